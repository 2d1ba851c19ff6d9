package persistence

import (
	"database/sql"

	"github.com/petrijr/debtflow/pkg/api"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*api.Entity, error) {
	var (
		e         api.Entity
		document  sql.NullString
		signature sql.NullString
	)
	if err := row.Scan(&e.ID, &document, &signature, &e.ScriptExecuted, &e.Version); err != nil {
		return nil, err
	}
	e.DocumentHash = document.String
	e.SignatureHash = signature.String
	return &e, nil
}

// nullString stores unset hashes as NULL rather than "".
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
