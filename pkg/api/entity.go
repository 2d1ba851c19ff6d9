package api

import "fmt"

// Entity is the persisted debt record whose stage flags the pipeline
// advances. IDs are assigned by the store on creation.
//
// DocumentHash and SignatureHash are empty until their stage sets them.
// Version is owned by the store: every successful Upsert increments it, and
// an Upsert carrying a stale Version is rejected with ErrVersionConflict.
type Entity struct {
	ID             int64
	DocumentHash   string
	SignatureHash  string
	ScriptExecuted bool
	Version        int64
}

// HasDocument reports whether the document stage has completed.
func (e *Entity) HasDocument() bool { return e.DocumentHash != "" }

// HasSignature reports whether the signature stage has completed.
func (e *Entity) HasSignature() bool { return e.SignatureHash != "" }

// Completed reports whether the terminal stage has run.
func (e *Entity) Completed() bool { return e.ScriptExecuted }

// Clone returns a copy that can be mutated without affecting e.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// CheckInvariants verifies the monotonic field ordering:
// ScriptExecuted implies SignatureHash, SignatureHash implies DocumentHash.
func (e *Entity) CheckInvariants() error {
	if e.ScriptExecuted && !e.HasSignature() {
		return fmt.Errorf("entity %d: script executed without signature: %w", e.ID, ErrStageOutOfOrder)
	}
	if e.HasSignature() && !e.HasDocument() {
		return fmt.Errorf("entity %d: signature without document: %w", e.ID, ErrStageOutOfOrder)
	}
	return nil
}

func (e *Entity) String() string {
	return fmt.Sprintf("Entity{id=%d document=%q signature=%q script_executed=%t version=%d}",
		e.ID, e.DocumentHash, e.SignatureHash, e.ScriptExecuted, e.Version)
}
