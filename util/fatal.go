// Package util has process-level helpers shared by the netcfgd commands.
package util

import (
	"errors"
	"fmt"
)

// FatalError marks an error after which the daemon cannot continue. Library
// code returns it; only the command's top level exits.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err in a FatalError. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err wraps a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
