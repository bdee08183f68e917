package backend

import (
	"fmt"
	"strings"
)

// BackendUnavailable is returned when a request fails at the transport level
// (Status 0) or the backend answers with a non-2xx status.
type BackendUnavailable struct {
	Op     string
	Status int
	Err    error
}

func (e *BackendUnavailable) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: backend unavailable: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: backend returned HTTP %d", e.Op, e.Status)
}

func (e *BackendUnavailable) Unwrap() error { return e.Err }

// MalformedResponse is returned when a 2xx body cannot be decoded.
type MalformedResponse struct {
	Path string
	Err  error
}

func (e *MalformedResponse) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Path, e.Err)
}

func (e *MalformedResponse) Unwrap() error { return e.Err }

// PartialPanelFailure reports that some panels failed while others
// succeeded. It is a warning: data from the healthy panels is still applied.
type PartialPanelFailure struct {
	Panels []string
}

func (e *PartialPanelFailure) Error() string {
	return "panels unavailable: " + strings.Join(e.Panels, ", ")
}
