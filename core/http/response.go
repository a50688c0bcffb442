package http

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ServerName is sent in the Server header unless the producer set one
const ServerName = "startline"

const (
	mimeText = "text/plain"
	mimeJSON = "application/json"
	mimeHTML = "text/html; charset=utf-8"
)

// Response is the canonical response every handler result is normalized into
type Response struct {
	Status  int
	Headers Header
	Body    []byte
}

// NewResponse returns an empty 200 response
func NewResponse() *Response {
	return &Response{Status: 200}
}

// JSON encodes data as the body and sets the JSON content type
func (r *Response) JSON(data any, status int) (*Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	r.Status = status
	r.Body = body
	r.Headers.Set(HeaderContentType, mimeJSON)
	return r, nil
}

// Text sets a plain-text body
func (r *Response) Text(s string, status int) *Response {
	r.Status = status
	r.Body = []byte(s)
	r.Headers.Set(HeaderContentType, mimeText)
	return r
}

// HTML sets an HTML body
func (r *Response) HTML(s string, status int) *Response {
	r.Status = status
	r.Body = []byte(s)
	r.Headers.Set(HeaderContentType, mimeHTML)
	return r
}

// SetHeader sets a header and returns r for chaining
func (r *Response) SetHeader(key, value string) *Response {
	r.Headers.Set(key, value)
	return r
}

// AppendTo appends the wire form of r to dst.
//
// Headers are written in insertion order. Content-Type defaults to
// text/plain, Content-Length always reflects len(Body) and Server is added
// when missing.
func (r *Response) AppendTo(dst []byte) []byte {
	status := r.Status
	if status == 0 {
		status = 200
	}

	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(status)...)
	dst = append(dst, "\r\n"...)

	for _, f := range r.Headers {
		if strings.EqualFold(f.Key, HeaderContentLength) {
			continue
		}
		dst = appendHeader(dst, f.Key, f.Value)
	}

	if !r.Headers.has(HeaderContentType) {
		dst = appendHeader(dst, HeaderContentType, mimeText)
	}
	dst = appendHeader(dst, HeaderContentLength, strconv.Itoa(len(r.Body)))
	if !r.Headers.has(HeaderServer) {
		dst = appendHeader(dst, HeaderServer, ServerName)
	}

	dst = append(dst, "\r\n"...)
	return append(dst, r.Body...)
}

// Bytes returns the wire form of r
func (r *Response) Bytes() []byte {
	return r.AppendTo(make([]byte, 0, 128+len(r.Body)))
}

func appendHeader(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, "\r\n"...)
}
