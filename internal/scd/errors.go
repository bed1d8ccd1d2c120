package scd

import (
	"fmt"

	"github.com/rpattn/productdim/internal/domain"
)

// TransitionError reports the record whose transition aborted a batch.
type TransitionError struct {
	EntityID       string
	Source         string
	Row            int
	Classification domain.Classification
	Err            error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("batch %s: entity %s (row %d, %s): %v",
		e.Source, e.EntityID, e.Row, e.Classification, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
