package notifier

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalid marks bad client input.
	ErrInvalid = errors.New("invalid input")
	// ErrConflict marks a duplicate subscription.
	ErrConflict = errors.New("already subscribed")
	// ErrNotFound marks a missing tracking record.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedSite marks a job-board URL no platform recognizes.
	ErrUnsupportedSite = errors.New("unsupported site")
)

// ExtractionError indicates the expected markup was absent or unparsable.
type ExtractionError struct {
	URL    string
	Reason string
}

func (e *ExtractionError) Error() string {
	if e.URL == "" {
		return "extract: " + e.Reason
	}
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

// IsExtractionError checks if an error is an ExtractionError.
func IsExtractionError(err error) bool {
	var ex *ExtractionError
	return errors.As(err, &ex)
}

// DeliveryError indicates an email could not be sent after all retries.
type DeliveryError struct {
	Err      error
	Subject  string
	To       string
	Source   SourceType
	Attempts uint
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %q to %s after %d attempts: %v", e.Subject, e.To, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// TransientStoreError indicates a connection or transaction failure that
// persisted through the retry budget.
type TransientStoreError struct {
	Err      error
	Op       string
	Attempts uint
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// IsTransientStoreError checks if an error is a TransientStoreError.
func IsTransientStoreError(err error) bool {
	var ts *TransientStoreError
	return errors.As(err, &ts)
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
