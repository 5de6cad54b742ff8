package directory

import "fmt"

// FetchError reports a failed directory collection. Network, auth and
// rate-limit failures on any page all surface as a FetchError.
type FetchError struct {
	Directory string
	Page      int
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s directory (page %d): %v", e.Directory, e.Page, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// BuildError reports a directory record that cannot take part in a join.
type BuildError struct {
	Directory string
	Index     int
	Reason    string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s record %d: %s", e.Directory, e.Index, e.Reason)
}

// StatusError is returned by DoJSON for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
