package http

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyBody is returned by Request.JSON when there is nothing to decode
var ErrEmptyBody = errors.New("request body is empty")

// Request is a parsed HTTP request. It is not modified after ParseRequest returns.
type Request struct {
	Method  string
	Path    string // percent-decoded, no query component
	RawPath string // path as it appeared on the request line
	Proto   string

	// Headers are keyed by lower-cased name
	Headers map[string]string

	// Query holds every value of a repeated key in arrival order
	Query map[string][]string

	Body []byte
}

// Header returns the value of the named header, matched case-insensitively
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[strings.ToLower(name)]
}

// QueryValue returns the first value for key, or "" when absent
func (r *Request) QueryValue(key string) string {
	if vs := r.Query[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// JSON decodes the request body into v
func (r *Request) JSON(v any) error {
	if len(r.Body) == 0 {
		return ErrEmptyBody
	}
	return json.Unmarshal(r.Body, v)
}
