// Package uuid mints and parses sync run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator hands out run IDs. The zero value is ready to use.
type Generator struct{}

// NewUUIDGenerator returns a Generator for the syncer.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewRunID returns a version 7 UUID. Its leading timestamp keeps run history
// ordered by start time without a separate sort key.
func (Generator) NewRunID() (uuid.UUID, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("new run id: %w", err)
	}
	return runID, nil
}

// Parse reads a run ID taken from a control API path.
func Parse(raw string) (uuid.UUID, error) {
	runID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("run id %q: %w", raw, err)
	}
	if runID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("run id %q: nil uuid", raw)
	}
	return runID, nil
}
