package maplab

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownBasemap = errors.New("unknown basemap")
	ErrDataSource     = errors.New("data source error")
	ErrRemoteService  = errors.New("remote service error")
)

// UnknownBasemapError is returned when an identifier matches neither a well-known
// basemap name nor a key in the provider registry.
type UnknownBasemapError struct {
	Identifier string
}

func (e *UnknownBasemapError) Error() string {
	return fmt.Sprintf("%s is not a valid basemap", e.Identifier)
}

func (e *UnknownBasemapError) Is(target error) bool {
	return target == ErrUnknownBasemap
}

// BasemapNotFoundError is the same failure under the resolver's name for it.
type BasemapNotFoundError = UnknownBasemapError

// DataSourceError wraps a failure to read or parse a vector, raster or tabular input.
type DataSourceError struct {
	Path string
	Err  error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("failed to read %s: %v", e.Path, e.Err)
}

func (e *DataSourceError) Unwrap() error {
	return e.Err
}

func (e *DataSourceError) Is(target error) bool {
	return target == ErrDataSource
}

// RemoteServiceError is returned when the tiling metadata service is unreachable,
// answers with a non-2xx status, or returns a body that is not the expected JSON.
type RemoteServiceError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RemoteServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

func (e *RemoteServiceError) Is(target error) bool {
	return target == ErrRemoteService
}

func dataSourceErr(path string, err error) error {
	var dsErr *DataSourceError
	if errors.As(err, &dsErr) {
		return err
	}
	return &DataSourceError{Path: path, Err: err}
}
