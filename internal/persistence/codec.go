package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/debtflow/pkg/api"
)

// entityPayload is the gob wire form of an entity in key-value backends.
// Keeping it separate from api.Entity lets the public type grow without
// breaking stored payloads.
type entityPayload struct {
	ID             int64
	DocumentHash   string
	SignatureHash  string
	ScriptExecuted bool
	Version        int64
}

// EncodeEntity gob-encodes e.
func EncodeEntity(e *api.Entity) ([]byte, error) {
	p := entityPayload{
		ID:             e.ID,
		DocumentHash:   e.DocumentHash,
		SignatureHash:  e.SignatureHash,
		ScriptExecuted: e.ScriptExecuted,
		Version:        e.Version,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&p); err != nil {
		return nil, fmt.Errorf("encode entity %d: %w", e.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeEntity reverses EncodeEntity.
func DecodeEntity(data []byte) (*api.Entity, error) {
	if len(data) == 0 {
		return nil, ErrEntityNotFound
	}
	var p entityPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return &api.Entity{
		ID:             p.ID,
		DocumentHash:   p.DocumentHash,
		SignatureHash:  p.SignatureHash,
		ScriptExecuted: p.ScriptExecuted,
		Version:        p.Version,
	}, nil
}
