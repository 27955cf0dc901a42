package history

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel matched by NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError is returned when a record or state key does not exist.
type NotFoundError struct {
	Resource string
	Name     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound returns true if err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
