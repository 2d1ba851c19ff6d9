package api

import (
	"errors"
	"fmt"
)

var (
	// ErrEntityNotFound is returned when a message references an entity id
	// that has no record in the store.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned by stores when an upsert carries a stale
	// version, i.e. another handler wrote the entity in between.
	ErrVersionConflict = errors.New("entity version conflict")

	// ErrStageOutOfOrder is returned when a stage observes an entity that has
	// not passed the stages it depends on.
	ErrStageOutOfOrder = errors.New("stage out of order")

	// ErrMalformedMessage is returned when a payload cannot be decoded into a
	// Message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownChannel is returned when no stage consumes the given channel.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrInvalidPipeline is returned by Pipeline.Validate.
	ErrInvalidPipeline = errors.New("invalid pipeline")
)

// permanentError marks an error as non-retryable.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that workers acknowledge the delivery instead of
// scheduling a redelivery. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent. Malformed messages are always permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrMalformedMessage)
}

// StageError carries the stage and entity a handler failure belongs to.
type StageError struct {
	Stage    string
	EntityID int64
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: entity %d: %v", e.Stage, e.EntityID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
