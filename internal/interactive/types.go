// Package interactive holds the terminal selectors used by devbuild
// commands when an argument is left out.
package interactive

import (
	"errors"
	"fmt"
)

// ConfigItem is a configuration row in the selector.
type ConfigItem struct {
	ID          string
	DisplayName string
	RuntimeID   string
	DeviceID    string
	Current     bool
	Ready       bool
}

// String returns display string for promptui.
func (c ConfigItem) String() string {
	suffix := ""
	if c.Current {
		suffix = " (current)"
	} else if !c.Ready {
		suffix = " (runtime missing)"
	}
	return fmt.Sprintf("%s - %s%s", c.ID, c.DisplayName, suffix)
}

// DeviceItem is a device row in the selector.
type DeviceItem struct {
	ID          string
	DisplayName string
	Kind        string
	System      string
	Current     bool
}

// String returns display string for promptui.
func (d DeviceItem) String() string {
	suffix := ""
	if d.Current {
		suffix = " (current)"
	}
	return fmt.Sprintf("%s - %s [%s]%s", d.ID, d.DisplayName, d.System, suffix)
}

// CancellationError indicates the user cancelled the operation.
type CancellationError struct {
	Message string
}

func (e *CancellationError) Error() string {
	return e.Message
}

// IsCancellation returns true if the error is a cancellation error.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}
