package http

import "strings"

// Common header names
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderServer        = "Server"
	HeaderAllowOrigin   = "Access-Control-Allow-Origin"
	HeaderAllowMethods  = "Access-Control-Allow-Methods"
	HeaderAllowHeaders  = "Access-Control-Allow-Headers"
)

// HeaderField is a single response header line
type HeaderField struct {
	Key   string
	Value string
}

// Header is an ordered list of response headers. Keys keep the case the
// producer gave them; Set and Get match keys exactly.
type Header []HeaderField

// Set replaces the value of key, appending it when absent
func (h *Header) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, HeaderField{Key: key, Value: value})
}

// Add appends a header line even when key is already present
func (h *Header) Add(key, value string) {
	*h = append(*h, HeaderField{Key: key, Value: value})
}

// Get returns the first value for key
func (h Header) Get(key string) string {
	for _, f := range h {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// Del removes every line with key
func (h *Header) Del(key string) {
	out := (*h)[:0]
	for _, f := range *h {
		if f.Key != key {
			out = append(out, f)
		}
	}
	*h = out
}

// has reports whether a header with the name is present, ignoring case
func (h Header) has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Key, name) {
			return true
		}
	}
	return false
}
