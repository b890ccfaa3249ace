package driver

import (
	"errors"
	"fmt"
	"net/http"
)

// PathNotFoundError is returned when operating on a nonexistent path.
type PathNotFoundError struct {
	Path       string
	DriverName string
}

func (err PathNotFoundError) Error() string {
	return fmt.Sprintf("%s: path not found: %s", err.DriverName, err.Path)
}

// InvalidPathError is returned when the provided path is malformed.
type InvalidPathError struct {
	Path       string
	DriverName string
}

func (err InvalidPathError) Error() string {
	return fmt.Sprintf("%s: invalid path: %s", err.DriverName, err.Path)
}

// InvalidOffsetError is returned when attempting to read or write from an
// invalid offset.
type InvalidOffsetError struct {
	Path       string
	Offset     int64
	DriverName string
}

func (err InvalidOffsetError) Error() string {
	return fmt.Sprintf("%s: invalid offset: %d for path: %s", err.DriverName, err.Offset, err.Path)
}

// AccessDeniedError is returned when the backend refuses the operation.
type AccessDeniedError struct {
	Path       string
	DriverName string
	Message    string
}

func (err AccessDeniedError) Error() string {
	return fmt.Sprintf("%s: access denied: %s: %s", err.DriverName, err.Path, err.Message)
}

// Error is a catch-all wrapper for backend failures, carrying the upstream
// status when one exists. Zero Status defaults to 500 at the HTTP boundary.
type Error struct {
	DriverName string
	Status     int
	Enclosed   error
}

func (err Error) Error() string {
	return fmt.Sprintf("%s: %s", err.DriverName, err.Enclosed)
}

func (err Error) Unwrap() error {
	return err.Enclosed
}

// HTTPStatus returns the status the error maps to, defaulting to 500.
func (err Error) HTTPStatus() int {
	if err.Status == 0 {
		return http.StatusInternalServerError
	}
	return err.Status
}

// IsNotFound reports whether err, at any depth, is a path-not-found.
func IsNotFound(err error) bool {
	var pnf PathNotFoundError
	if errors.As(err, &pnf) {
		return true
	}
	var de Error
	return errors.As(err, &de) && de.Status == http.StatusNotFound
}

// IsAccessDenied reports whether err, at any depth, is an access denial.
func IsAccessDenied(err error) bool {
	var ad AccessDeniedError
	if errors.As(err, &ad) {
		return true
	}
	var de Error
	return errors.As(err, &de) && de.Status == http.StatusForbidden
}
