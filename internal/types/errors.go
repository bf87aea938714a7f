package types

import (
	"errors"
	"fmt"
)

// ErrIntegrity marks data-integrity violations: the affected unit (a market
// round or a trade) is skipped and flagged instead of retried blindly.
var ErrIntegrity = errors.New("data integrity violation")

// Integrityf builds an error wrapping ErrIntegrity
func Integrityf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

// ErrorClass returns the log/metric label for err
func ErrorClass(err error) string {
	if IsIntegrity(err) {
		return "integrity"
	}
	return "transient"
}
