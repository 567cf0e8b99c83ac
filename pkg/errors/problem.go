package errors

import (
	"net/http"
)

const problemBase = "https://carbonledger.dev/problems/"

// ProblemDetails is an RFC 7807 response body.
type ProblemDetails struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Status   int          `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Instance string       `json:"instance,omitempty"`
	TraceID  string       `json:"trace_id,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
}

func (p *ProblemDetails) Error() string {
	return p.Detail
}

var problemTypes = map[int]string{
	http.StatusBadRequest:          "validation-error",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusNotFound:            "not-found",
	http.StatusConflict:            "conflict",
	http.StatusInternalServerError: "internal-error",
}

// Problem renders err for the response at instance. Internal errors never
// expose their cause.
func Problem(err error, instance string) *ProblemDetails {
	status := StatusOf(err)
	slug, ok := problemTypes[status]
	if !ok {
		slug = "about:blank"
	}
	p := &ProblemDetails{
		Type:     problemBase + slug,
		Title:    http.StatusText(status),
		Status:   status,
		Instance: instance,
	}
	var e *Error
	if status != http.StatusInternalServerError && As(err, &e) {
		p.Detail = e.Message
		p.Errors = e.Fields
	} else {
		p.Detail = "internal error"
	}
	return p
}
