package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petrijr/debtflow/pkg/api"
)

// PostgresEntityStore is an EntityStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresEntityStore struct {
	db *sql.DB
}

// Ensure PostgresEntityStore implements EntityStore.
var _ EntityStore = (*PostgresEntityStore)(nil)

// NewPostgresEntityStore initializes the required schema in the given
// database and returns a new PostgresEntityStore.
func NewPostgresEntityStore(db *sql.DB) (*PostgresEntityStore, error) {
	s := &PostgresEntityStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresEntityStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			id              BIGSERIAL PRIMARY KEY,
			document_hash   TEXT,
			signature_hash  TEXT,
			script_executed BOOLEAN NOT NULL DEFAULT FALSE,
			version         BIGINT NOT NULL
		);
	`)
	return err
}

func (s *PostgresEntityStore) Create(ctx context.Context) (*api.Entity, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO entities (script_executed, version)
		VALUES (FALSE, 1)
		RETURNING id
	`).Scan(&id)
	if err != nil {
		return nil, err
	}
	return &api.Entity{ID: id, Version: 1}, nil
}

func (s *PostgresEntityStore) Get(ctx context.Context, id int64) (*api.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_hash, signature_hash, script_executed, version
		FROM entities
		WHERE id = $1
	`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *PostgresEntityStore) Upsert(ctx context.Context, e *api.Entity) (*api.Entity, error) {
	if e == nil || e.ID <= 0 {
		return nil, errors.New("persistence: upsert requires a positive entity id")
	}

	if e.Version == 0 {
		return s.insert(ctx, e)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET document_hash   = $1,
		    signature_hash  = $2,
		    script_executed = $3,
		    version         = version + 1
		WHERE id = $4 AND version = $5
	`,
		nullString(e.DocumentHash),
		nullString(e.SignatureHash),
		e.ScriptExecuted,
		e.ID,
		e.Version,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrVersionConflict
	}

	stored := e.Clone()
	stored.Version = e.Version + 1
	return stored, nil
}

// insert creates an entity with a caller-chosen id and moves the id
// sequence past it so Create never hands the same id out again.
func (s *PostgresEntityStore) insert(ctx context.Context, e *api.Entity) (*api.Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, document_hash, signature_hash, script_executed, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (id) DO NOTHING
	`,
		e.ID,
		nullString(e.DocumentHash),
		nullString(e.SignatureHash),
		e.ScriptExecuted,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `
		SELECT setval(pg_get_serial_sequence('entities', 'id'), GREATEST((SELECT MAX(id) FROM entities), 1))
	`); err != nil {
		return nil, fmt.Errorf("advance entity id sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	stored := e.Clone()
	stored.Version = 1
	return stored, nil
}

func (s *PostgresEntityStore) List(ctx context.Context) ([]*api.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_hash, signature_hash, script_executed, version
		FROM entities
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*api.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entities, nil
}
