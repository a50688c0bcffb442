package middleware

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/startline/core/http"
)

// Logger logs every request with its final status at debug level.
// Register it with Router.After.
func Logger(logger zerolog.Logger) http.AfterFunc {
	return func(req *http.Request, resp *http.Response) {
		logger.Debug().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("status", resp.Status).
			Int("body", len(resp.Body)).
			Msg("request")
	}
}

// CORS answers OPTIONS preflight requests for origin. Other requests pass
// through; responses produced by handlers are not modified.
func CORS(origin string) http.Middleware {
	return func(req *http.Request) *http.Response {
		if req.Method != "OPTIONS" {
			return nil
		}

		resp := &http.Response{Status: 204}
		resp.SetHeader(http.HeaderAllowOrigin, origin).
			SetHeader(http.HeaderAllowMethods, "GET, POST, PUT, DELETE, PATCH, OPTIONS").
			SetHeader(http.HeaderAllowHeaders, "Content-Type, Authorization")
		return resp
	}
}

// RateLimiter allows requestsPerSecond requests per one-second window and
// answers the rest with 429
func RateLimiter(requestsPerSecond int) http.Middleware {
	return rateLimiter(requestsPerSecond, time.Now)
}

func rateLimiter(requestsPerSecond int, now func() time.Time) http.Middleware {
	var (
		mu         sync.Mutex
		tokens     = requestsPerSecond
		lastRefill = now()
	)

	return func(req *http.Request) *http.Response {
		mu.Lock()
		defer mu.Unlock()

		t := now()
		if t.Sub(lastRefill) >= time.Second {
			tokens = requestsPerSecond
			lastRefill = t
		}

		if tokens > 0 {
			tokens--
			return nil
		}

		return errorResponse(429, "Too many requests")
	}
}

// MaxBody rejects requests whose body is longer than limit bytes with 413
func MaxBody(limit int) http.Middleware {
	return func(req *http.Request) *http.Response {
		if len(req.Body) <= limit {
			return nil
		}
		return errorResponse(413, "Payload too large")
	}
}

func errorResponse(status int, msg string) *http.Response {
	resp, err := http.NewResponse().JSON(map[string]string{"error": msg}, status)
	if err != nil {
		return http.NewResponse().Text(msg, status)
	}
	return resp
}
