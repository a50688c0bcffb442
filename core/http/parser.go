package http

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"
)

// ErrParse is wrapped by every error ParseRequest and FrameLength return
var ErrParse = errors.New("malformed HTTP request")

var (
	ErrMissingTerminator    = fmt.Errorf("%w: missing header terminator", ErrParse)
	ErrInvalidEncoding      = fmt.Errorf("%w: header is not valid UTF-8", ErrParse)
	ErrMalformedRequestLine = fmt.Errorf("%w: malformed request line", ErrParse)
	ErrInvalidMethod        = fmt.Errorf("%w: invalid method token", ErrParse)
	ErrInvalidPath          = fmt.Errorf("%w: invalid request path", ErrParse)
	ErrInvalidQuery         = fmt.Errorf("%w: invalid query string", ErrParse)
	ErrInvalidContentLength = fmt.Errorf("%w: invalid Content-Length", ErrParse)
	ErrHeaderTooLarge       = fmt.Errorf("%w: header section too large", ErrParse)
)

var (
	crlfcrlf = []byte("\r\n\r\n")
	lflf     = []byte("\n\n")
)

// headerEnd locates the blank line that ends the header section.
// It returns the index where the separator starts and the separator length,
// or -1 when the section is not terminated yet.
func headerEnd(data []byte) (int, int) {
	crlf := bytes.Index(data, crlfcrlf)
	lf := bytes.Index(data, lflf)
	switch {
	case crlf == -1 && lf == -1:
		return -1, 0
	case lf == -1 || (crlf != -1 && crlf < lf):
		return crlf, len(crlfcrlf)
	default:
		return lf, len(lflf)
	}
}

// FrameLength reports how many bytes of buf make up one complete request.
//
// Once the header section is terminated, total is the header length plus the
// declared Content-Length. complete is false until that many bytes are
// buffered. A header section longer than maxHeader (when maxHeader > 0) is
// rejected with ErrHeaderTooLarge.
func FrameLength(buf []byte, maxHeader int) (total int, complete bool, err error) {
	end, sepLen := headerEnd(buf)
	if end < 0 {
		if maxHeader > 0 && len(buf) > maxHeader {
			return 0, false, ErrHeaderTooLarge
		}
		return 0, false, nil
	}
	if maxHeader > 0 && end > maxHeader {
		return 0, false, ErrHeaderTooLarge
	}

	// the request line never carries a header
	n, err := contentLength(splitLines(string(buf[:end]))[1:])
	if err != nil {
		return 0, false, err
	}

	total = end + sepLen + n
	return total, len(buf) >= total, nil
}

// contentLength extracts the declared body length; 0 when absent
func contentLength(lines []string) (int, error) {
	n := -1
	for _, line := range lines {
		// folded continuation lines belong to the previous header
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "content-length") {
			continue
		}

		value = strings.TrimSpace(value)
		if value == "" || value[0] < '0' || value[0] > '9' {
			return 0, ErrInvalidContentLength
		}
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil || v > math.MaxInt32 {
			return 0, ErrInvalidContentLength
		}
		if n >= 0 && int(v) != n {
			return 0, ErrInvalidContentLength
		}
		n = int(v)
	}

	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// ParseRequest parses one HTTP request from data.
// It never returns a partially populated Request: on error the Request is nil.
func ParseRequest(data []byte) (*Request, error) {
	end, sepLen := headerEnd(data)
	if end < 0 {
		return nil, ErrMissingTerminator
	}

	head := data[:end]
	if !utf8.Valid(head) {
		return nil, ErrInvalidEncoding
	}
	lines := splitLines(string(head))

	// METHOD SP TARGET [SP VERSION]
	fields := strings.Fields(lines[0])
	if len(fields) < 2 || len(fields) > 3 {
		return nil, ErrMalformedRequestLine
	}
	if !httpguts.ValidHeaderFieldName(fields[0]) {
		return nil, ErrInvalidMethod
	}

	req := &Request{
		Method: strings.ToUpper(fields[0]),
	}
	if len(fields) == 3 {
		req.Proto = fields[2]
	}

	rawPath, rawQuery, _ := strings.Cut(fields[1], "?")
	if !strings.HasPrefix(rawPath, "/") {
		return nil, ErrInvalidPath
	}
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	req.Path = path
	req.RawPath = rawPath

	req.Query, err = parseQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	req.Headers = parseHeaders(lines[1:])
	req.Body = bytes.Clone(data[end+sepLen:])

	return req, nil
}

// parseQuery parses a query string, keeping repeated keys in order
func parseQuery(raw string) (map[string][]string, error) {
	query := make(map[string][]string)
	if raw == "" {
		return query, nil
	}

	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}

		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}

		query[key] = append(query[key], value)
	}

	return query, nil
}

// parseHeaders parses header lines into a map keyed by lower-cased name.
// Lines without a colon are skipped, repeated names are joined with ", " and
// obsolete line folding continues the previous value.
func parseHeaders(lines []string) map[string]string {
	headers := make(map[string]string, len(lines))

	last := ""
	for _, line := range lines {
		if line == "" {
			continue
		}

		// obs-fold
		if line[0] == ' ' || line[0] == '\t' {
			if last != "" {
				headers[last] = strings.TrimSpace(headers[last] + " " + strings.TrimSpace(line))
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			last = ""
			continue
		}

		name = strings.ToLower(strings.TrimSpace(name))
		if !httpguts.ValidHeaderFieldName(name) {
			last = ""
			continue
		}

		value = strings.TrimSpace(value)
		if prev, dup := headers[name]; dup {
			value = prev + ", " + value
		}
		headers[name] = value
		last = name
	}

	return headers
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
