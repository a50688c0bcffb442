package http

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Params maps capture names of a matched route to path segments
type Params map[string]string

// Get returns the value bound to name
func (p Params) Get(name string) string {
	return p[name]
}

// HandlerFunc handles a routed request
type HandlerFunc func(req *Request, params Params) (Result, error)

// Middleware runs before routing. Returning a non-nil Response ends the
// dispatch with that response; nil passes the request on.
type Middleware func(req *Request) *Response

// AfterFunc observes the final response of a dispatch. It receives a copy
// and cannot change what is sent.
type AfterFunc func(req *Request, resp *Response)

// ErrorHandlerFunc produces the response for an error status. fault is nil
// for 404 and the handler failure for 500.
type ErrorHandlerFunc func(req *Request, fault error) (Result, error)

// Result is what a handler returns. The set of shapes is closed: a *Response,
// or one built with JSON, Proto, Text or Value.
type Result interface {
	toResponse(status int) (*Response, error)
}

func (r *Response) toResponse(int) (*Response, error) {
	if r == nil {
		return NewResponse(), nil
	}
	return r, nil
}

type jsonResult struct{ v any }

// JSON returns a result whose body is v encoded as JSON
func JSON(v any) Result { return jsonResult{v} }

func (j jsonResult) toResponse(status int) (*Response, error) {
	body, err := json.Marshal(j.v)
	if err != nil {
		return nil, fmt.Errorf("encode json result: %w", err)
	}
	return &Response{
		Status:  status,
		Headers: Header{{Key: HeaderContentType, Value: mimeJSON}},
		Body:    body,
	}, nil
}

type protoResult struct{ m proto.Message }

// Proto returns a result whose body is m in protobuf JSON form
func Proto(m proto.Message) Result { return protoResult{m} }

func (p protoResult) toResponse(status int) (*Response, error) {
	body, err := protojson.Marshal(p.m)
	if err != nil {
		return nil, fmt.Errorf("encode proto result: %w", err)
	}
	return &Response{
		Status:  status,
		Headers: Header{{Key: HeaderContentType, Value: mimeJSON}},
		Body:    body,
	}, nil
}

type textResult string

// Text returns a plain-text result
func Text(s string) Result { return textResult(s) }

func (t textResult) toResponse(status int) (*Response, error) {
	return &Response{
		Status:  status,
		Headers: Header{{Key: HeaderContentType, Value: mimeText}},
		Body:    []byte(t),
	}, nil
}

type valueResult struct{ v any }

// Value returns a plain-text result holding the default textual form of v
func Value(v any) Result { return valueResult{v} }

func (v valueResult) toResponse(status int) (*Response, error) {
	return textResult(fmt.Sprint(v.v)).toResponse(status)
}

// Coerce normalizes res into a Response. A nil res is an empty 200.
func Coerce(res Result) (*Response, error) {
	return CoerceStatus(res, 200)
}

// CoerceStatus is Coerce with the status used for shapes that carry none.
// A *Response keeps its own status.
func CoerceStatus(res Result, status int) (*Response, error) {
	if res == nil {
		return textResult("").toResponse(status)
	}
	return res.toResponse(status)
}
