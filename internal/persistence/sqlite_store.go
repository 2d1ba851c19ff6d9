package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/petrijr/debtflow/pkg/api"
)

// SQLiteEntityStore is an EntityStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteEntityStore struct {
	db *sql.DB
}

// Ensure SQLiteEntityStore implements EntityStore.
var _ EntityStore = (*SQLiteEntityStore)(nil)

// NewSQLiteEntityStore initializes the required schema in the given
// database and returns a new SQLiteEntityStore.
func NewSQLiteEntityStore(db *sql.DB) (*SQLiteEntityStore, error) {
	s := &SQLiteEntityStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEntityStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_hash TEXT,
			signature_hash TEXT,
			script_executed INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteEntityStore) Create(ctx context.Context) (*api.Entity, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO entities (script_executed, version) VALUES (0, 1)`)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &api.Entity{ID: id, Version: 1}, nil
}

func (s *SQLiteEntityStore) Get(ctx context.Context, id int64) (*api.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_hash, signature_hash, script_executed, version
		FROM entities
		WHERE id = ?`,
		id,
	)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *SQLiteEntityStore) Upsert(ctx context.Context, e *api.Entity) (*api.Entity, error) {
	if e == nil || e.ID <= 0 {
		return nil, errors.New("persistence: upsert requires a positive entity id")
	}

	var (
		res sql.Result
		err error
	)
	if e.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO entities (id, document_hash, signature_hash, script_executed, version)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(id) DO NOTHING`,
			e.ID,
			nullString(e.DocumentHash),
			nullString(e.SignatureHash),
			e.ScriptExecuted,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE entities
			SET document_hash = ?, signature_hash = ?, script_executed = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			nullString(e.DocumentHash),
			nullString(e.SignatureHash),
			e.ScriptExecuted,
			e.ID,
			e.Version,
		)
	}
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

func (s *SQLiteEntityStore) List(ctx context.Context) ([]*api.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_hash, signature_hash, script_executed, version
		FROM entities
		ORDER BY id`)
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
