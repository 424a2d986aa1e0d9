package process

import (
	"errors"
	"fmt"
	"os"
)

// SpawnError is returned by Start when the OS refused to start the process,
// e.g. because the binary is missing, not executable or locked.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Path, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsSpawnError checks if the error is or wraps a SpawnError
func IsSpawnError(err error) bool {
	var spawnErr *SpawnError
	return err != nil && errors.As(err, &spawnErr)
}

// IsBusy reports whether err is a transient "file busy" error, typically
// raised while a build step still holds the executable open for writing.
func IsBusy(err error) bool {
	return err != nil && isBusyErr(err)
}

// IsNotFound reports whether the executable does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
