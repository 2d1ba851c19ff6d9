package api

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// HashFunc produces the opaque value a stage records on the entity.
type HashFunc func(e *Entity, m Message, field string) string

// RandomHash returns a fresh random UUID on every call. Combined with the
// set-if-unset effects below, only the first successful write sticks.
func RandomHash(*Entity, Message, string) string {
	return uuid.NewString()
}

var hashNamespace = uuid.MustParse("6f1c3a52-2a4e-4f0e-9c55-0d7b7f3b9a10")

// DerivedHash returns a name-based UUID computed from the entity id and the
// field being set, so every delivery for the same entity yields the same
// value even if the stored field was lost.
func DerivedHash(e *Entity, _ Message, field string) string {
	return uuid.NewSHA1(hashNamespace, []byte(field+"/"+strconv.FormatInt(e.ID, 10))).String()
}

// SetDocumentHash records the generated document's hash unless one is
// already present.
func SetDocumentHash(hash HashFunc) EffectFunc {
	return func(_ context.Context, e *Entity, m Message) (bool, error) {
		if e.HasDocument() {
			return false, nil
		}
		e.DocumentHash = hash(e, m, "documentHash")
		return true, nil
	}
}

// SetSignatureHash records the signature hash unless one is already present.
func SetSignatureHash(hash HashFunc) EffectFunc {
	return func(_ context.Context, e *Entity, m Message) (bool, error) {
		if e.HasSignature() {
			return false, nil
		}
		e.SignatureHash = hash(e, m, "signatureHash")
		return true, nil
	}
}

// MarkScriptExecuted flags the entity as finished.
func MarkScriptExecuted(_ context.Context, e *Entity, _ Message) (bool, error) {
	if e.ScriptExecuted {
		return false, nil
	}
	e.ScriptExecuted = true
	return true, nil
}

// RequireDocument rejects entities whose document stage has not completed.
func RequireDocument(e *Entity) error {
	if !e.HasDocument() {
		return fmt.Errorf("entity %d has no document hash: %w", e.ID, ErrStageOutOfOrder)
	}
	return nil
}

// RequireSignature rejects entities whose signature stage has not completed.
func RequireSignature(e *Entity) error {
	if !e.HasSignature() {
		return fmt.Errorf("entity %d has no signature hash: %w", e.ID, ErrStageOutOfOrder)
	}
	return nil
}
