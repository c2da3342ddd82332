package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrZeroPositives is matched by every ZeroPositivesError.
var ErrZeroPositives = errors.New("no positive examples to normalize the loss")

// ErrDegenerateImage marks an image without a human or with fewer than two
// detections. It is absorbed by the graph head and never returned to callers.
var ErrDegenerateImage = errors.New("degenerate image")

// ConfigurationError reports an invalid construction parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvariantViolation reports a broken upstream contract, for instance humans not
// being permuted to the top of an image's detections. Image is -1 when the
// violation is not tied to a particular image.
type InvariantViolation struct {
	Image  int
	Reason string
}

func (e *InvariantViolation) Error() string {
	if e.Image < 0 {
		return "invariant violation: " + e.Reason
	}
	return fmt.Sprintf("invariant violation in image %d: %s", e.Image, e.Reason)
}

// NumericalInstability reports a loss term that evaluated to NaN.
type NumericalInstability struct {
	Rank  int
	Term  string
	Value float32
}

func (e *NumericalInstability) Error() string {
	return fmt.Sprintf("the %s is %v for rank %d", e.Term, e.Value, e.Rank)
}

// ZeroPositivesError reports that a loss term would be divided by a zero
// global count of positive examples.
type ZeroPositivesError struct {
	Term string
}

func (e *ZeroPositivesError) Error() string {
	return fmt.Sprintf("%s: %v", e.Term, ErrZeroPositives)
}

// Is lets errors.Is match ErrZeroPositives.
func (e *ZeroPositivesError) Is(target error) bool {
	return target == ErrZeroPositives
}
