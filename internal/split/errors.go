package split

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references an item id that does not exist
	ErrNotFound = errors.New("item not found")

	// ErrInvalidArgument is returned for out-of-range participants, negative weights and non-finite amounts
	ErrInvalidArgument = errors.New("invalid argument")
)

// IngestError reports OCR output that cannot become a split state
type IngestError struct {
	Reason string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest: %s", e.Reason)
}

func notFound(id ItemID) error {
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
