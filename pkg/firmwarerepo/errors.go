package firmwarerepo

import (
	"fmt"
)

// ErrHTTPMakeRequest implements "error", for the description see Error.
type ErrHTTPMakeRequest struct {
	Err error
	URL string
}

func (err ErrHTTPMakeRequest) Error() string {
	return fmt.Sprintf("unable to make an HTTP request to '%s': %v", err.URL, err.Err)
}

func (err ErrHTTPMakeRequest) Unwrap() error {
	return err.Err
}

// ErrHTTPGet implements "error", for the description see Error.
type ErrHTTPGet struct {
	Err error
	URL string
}

func (err ErrHTTPGet) Error() string {
	return fmt.Sprintf("unable to GET a HTTP resource '%s': %v",
		err.URL, err.Err)
}

func (err ErrHTTPGet) Unwrap() error {
	return err.Err
}

// ErrHTTPGetBody implements "error", for the description see Error.
type ErrHTTPGetBody struct {
	Err error
	URL string
}

func (err ErrHTTPGetBody) Error() string {
	return fmt.Sprintf("unable to read body of HTTP GET-resource '%s': %v",
		err.URL, err.Err)
}

func (err ErrHTTPGetBody) Unwrap() error {
	return err.Err
}

// ErrManifest implements "error", for the description see Error.
//
// The manifest is the source of truth about "latest"; an incomplete record
// for either role makes the whole release unusable.
type ErrManifest struct {
	Field string
	Key   string
}

func (err ErrManifest) Error() string {
	return fmt.Sprintf("manifest record '%s' is missing field '%s'", err.Key, err.Field)
}

// ErrPayload implements "error", for the description see Error.
type ErrPayload struct {
	Err      error
	Filename string
}

func (err ErrPayload) Error() string {
	return fmt.Sprintf("unable to decode firmware payload '%s': %v", err.Filename, err.Err)
}

func (err ErrPayload) Unwrap() error {
	return err.Err
}
