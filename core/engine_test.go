package core

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/startline/config"
	"github.com/searchktools/startline/core/http"
	"github.com/searchktools/startline/core/router"
)

type testServer struct {
	engine *Engine
	addr   string
	cancel context.CancelFunc
	done   chan error
}

// startEngine serves r on a loopback port until the test ends
func startEngine(t *testing.T, cfg config.ServerConfig, setup func(r *router.Router, p *Pipeline)) *testServer {
	t.Helper()

	r := router.New()
	p := NewPipeline(r, zerolog.Nop())
	if setup != nil {
		setup(r, p)
	}

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}

	e := NewEngine(cfg, p, zerolog.Nop())
	if err := e.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &testServer{engine: e, addr: e.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { srv.done <- e.Serve(ctx) }()

	t.Cleanup(func() { srv.stop(t) })
	return srv
}

func (s *testServer) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// roundTrip sends raw on a fresh connection and reads until the server closes it
func roundTrip(t *testing.T, addr, raw string) []byte {
	t.Helper()
	conn := dial(t, addr)
	defer conn.Close()

	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return out
}

func readResponse(t *testing.T, raw []byte) (*nethttp.Response, string) {
	t.Helper()
	resp, err := nethttp.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v (raw %q)", err, raw)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, string(body)
}

func pingRoutes(r *router.Router, p *Pipeline) {
	r.Add("GET", "/ping", func(req *http.Request, params http.Params) (http.Result, error) {
		return http.Text("pong"), nil
	})
	r.Add("GET", "/echo/:word", func(req *http.Request, params http.Params) (http.Result, error) {
		return http.Text(params.Get("word")), nil
	})
	r.Add("POST", "/body", func(req *http.Request, params http.Params) (http.Result, error) {
		return http.NewResponse().Text(string(req.Body), 201), nil
	})
	r.Add("GET", "/boom", func(req *http.Request, params http.Params) (http.Result, error) {
		panic("kaboom")
	})
}

func TestEnginePing(t *testing.T) {
	srv := startEngine(t, config.ServerConfig{}, pingRoutes)

	resp, body := readResponse(t, roundTrip(t, srv.addr, "GET /ping HTTP/1.1\r\nHost: h\r\n\r\n"))

	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("Expected text/plain, got %q", resp.Header.Get("Content-Type"))
	}
	if body != "pong" {
		t.Errorf("Expected body pong, got %q", body)
	}
	if resp.Header.Get("Server") != http.ServerName {
		t.Errorf("Expected Server header, got %q", resp.Header.Get("Server"))
	}
	if st := srv.engine.Stats(); st.BufferHits == 0 || st.BufferMisses != 0 {
		t.Errorf("Expected pooled read buffers, got %+v", st)
	}
}

func TestEngineNotFound(t *testing.T) {
	srv := startEngine(t, config.ServerConfig{}, pingRoutes)

	resp, body := readResponse(t, roundTrip(t, srv.addr, "GET /nowhere HTTP/1.1\r\n\r\n"))
	if resp.StatusCode != 404 || body != `{"error":"Not found"}` {
		t.Errorf("Expected default 404, got %d %s", resp.StatusCode, body)
	}
}

func TestEngineHandlerFaultKeepsServing(t *testing.T) {
	srv := startEngine(t, config.ServerConfig{}, pingRoutes)

	resp, body := readResponse(t, roundTrip(t, srv.addr, "GET /boom HTTP/1.1\r\n\r\n"))
	if resp.StatusCode != 500 || body != `{"error":"Internal server error"}` {
		t.Errorf("Expected default 500, got %d %s", resp.StatusCode, body)
	}

	resp, body = readResponse(t, roundTrip(t, srv.addr, "GET /ping HTTP/1.1\r\n\r\n"))
	if resp.StatusCode != 200 || body != "pong" {
		t.Errorf("Expected server to keep serving, got %d %s", resp.StatusCode, body)
	}
}

// TestEngineAccumulatesReads sends a request in pieces across several writes
func TestEngineAccumulatesReads(t *testing.T) {
	srv := startEngine(t, config.ServerConfig{ReadBufferSize: 16}, pingRoutes)

	body := bytes.Repeat([]byte("abcdefgh"), 64)
	parts := []string{
		"POST /bo",
		"dy HTTP/1.1\r\nContent-Le",
		fmt.Sprintf("ngth: %d\r\n\r", len(body)),
		"\n" + string(body[:100]),
		string(body[100:]),
	}

	conn := dial(t, srv.addr)
	defer conn.Close()
	for _, part := range parts {
		if _, err := io.WriteString(conn, part); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}

	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	resp, got := readResponse(t, out)
	if resp.StatusCode != 201 {
		t.Errorf("Expected status 201, got %d", resp.StatusCode)
	}
	if got != string(body) {
		t.Errorf("Expected the full %d byte body echoed, got %d bytes", len(body), len(got))
	}
}

func TestEngineDropsMalformed(t *testing.T) {
	srv := startEngine(t, config.ServerConfig{}, pingRoutes)

	for _, raw := range []string{
		"garbage\r\n\r\n",
		"GET relative HTTP/1.1\r\n\r\n",
		"POST /body HTTP/1.1\r\nContent-Length: nope\r\n\r\n",
	} {
		if out := roundTrip(t, srv.addr, raw); len(out) != 0 {
			t.Errorf("Expected no response to %q, got %q", raw, out)
		}
	}

	if srv.engine.Stats().Dropped < 3 {
		t.Errorf("Expected dropped connections to be counted, got %+v", srv.engine.Stats())
	}

	resp, _ := readResponse(t, roundTrip(t, srv.addr, "GET /ping HTTP/1.1\r\n\r\n"))
	if resp.StatusCode != 200 {
		t.Errorf("Expected server to survive malformed input, got %d", resp.StatusCode)
	}
}

func TestEngineDropsOversized(t *testing.T) {
	srv := startEngine(t, config.ServerConfig{MaxHeaderBytes: 256, MaxRequestBytes: 512}, pingRoutes)

	declared := "POST /body HTTP/1.1\r\nContent-Length: 100000\r\n\r\n"
	if out := roundTrip(t, srv.addr, declared); len(out) != 0 {
		t.Errorf("Expected oversized body to be dropped, got %q", out)
	}

	header := "GET /ping HTTP/1.1\r\nX-Filler: " + string(bytes.Repeat([]byte("a"), 400)) + "\r\n\r\n"
	if out := roundTrip(t, srv.addr, header); len(out) != 0 {
		t.Errorf("Expected oversized header to be dropped, got %q", out)
	}
}

func TestEnginePeerCloseBeforeRequest(t *testing.T) {
	srv := startEngine(t, config.ServerConfig{}, pingRoutes)

	for i := 0; i < 5; i++ {
		conn := dial(t, srv.addr)
		io.WriteString(conn, "GET /pi")
		conn.Close()
	}

	resp, body := readResponse(t, roundTrip(t, srv.addr, "GET /ping HTTP/1.1\r\n\r\n"))
	if resp.StatusCode != 200 || body != "pong" {
		t.Errorf("Expected normal response after aborted peers, got %d %s", resp.StatusCode, body)
	}
}

func TestEngineIdleTimeout(t *testing.T) {
	srv := startEngine(t, config.ServerConfig{ReadTimeout: 100 * time.Millisecond}, pingRoutes)

	conn := dial(t, srv.addr)
	defer conn.Close()
	io.WriteString(conn, "GET /ping HTTP/1.1\r\n")

	start := time.Now()
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Expected the server to close the idle connection, got %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Expected no response on idle timeout, got %q", out)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Idle connection closed too late: %s", elapsed)
	}
}

// TestEngineConcurrentConnections checks each client gets its own response
func TestEngineConcurrentConnections(t *testing.T) {
	srv := startEngine(t, config.ServerConfig{}, pingRoutes)

	const clients = 32
	conns := make([]net.Conn, clients)
	for i := range conns {
		conns[i] = dial(t, srv.addr)
		defer conns[i].Close()
	}

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn net.Conn) {
			defer wg.Done()

			word := fmt.Sprintf("client-%d", i)
			if _, err := io.WriteString(conn, "GET /echo/"+word+" HTTP/1.1\r\n\r\n"); err != nil {
				errs <- err
				return
			}
			out, err := io.ReadAll(conn)
			if err != nil {
				errs <- err
				return
			}

			resp, err := nethttp.ReadResponse(bufio.NewReader(bytes.NewReader(out)), nil)
			if err != nil {
				errs <- fmt.Errorf("client %d: %w", i, err)
				return
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if string(body) != word {
				errs <- fmt.Errorf("client %d: expected %q, got %q", i, word, body)
			}
		}(i, conn)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	if got := srv.engine.Stats().Served; got < clients {
		t.Errorf("Expected at least %d served, got %d", clients, got)
	}
}

func TestEngineShutdownClosesConnections(t *testing.T) {
	r := router.New()
	e := NewEngine(config.ServerConfig{Host: "127.0.0.1", PollTimeout: 20 * time.Millisecond},
		NewPipeline(r, zerolog.Nop()), zerolog.Nop())
	if err := e.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := e.Addr().String()

	done := make(chan error, 1)
	go func() { done <- e.Serve(context.Background()) }()

	conn := dial(t, addr)
	defer conn.Close()

	// wait for the connection to be registered
	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().Accepted == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	e.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Expected tracked connection to be closed, got %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Expected no bytes on shutdown, got %q", out)
	}

	if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		c.Close()
		t.Error("Expected listener to be closed after shutdown")
	}

	if err := e.Serve(context.Background()); err != ErrNotListening {
		t.Errorf("Expected ErrNotListening after shutdown, got %v", err)
	}
}

func TestEngineServeRequiresListen(t *testing.T) {
	e := NewEngine(config.ServerConfig{}, NewPipeline(router.New(), zerolog.Nop()), zerolog.Nop())
	if err := e.Serve(context.Background()); err != ErrNotListening {
		t.Errorf("Expected ErrNotListening, got %v", err)
	}
}

func containsFd(fds []int, fd int) bool {
	for _, f := range fds {
		if f == fd {
			return true
		}
	}
	return false
}

func TestEngineAcceptBackoff(t *testing.T) {
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	var logs bytes.Buffer
	e := NewEngine(cfg, NewPipeline(router.New(), zerolog.Nop()), zerolog.New(&logs))
	if err := e.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer e.shutdown()

	clock := time.Now()
	e.now = func() time.Time { return clock }

	conn, err := net.Dial("tcp", e.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	fds, err := e.poller.Wait(1000)
	if err != nil || !containsFd(fds, e.lfd) {
		t.Fatalf("Expected listener to be ready, got %v %v", fds, err)
	}

	e.acceptError(unix.EMFILE)
	e.acceptError(unix.EMFILE)
	if !e.acceptPaused {
		t.Fatal("Expected accept to pause on EMFILE")
	}
	if n := bytes.Count(logs.Bytes(), []byte("accept failed, pausing")); n != 1 {
		t.Errorf("Expected 1 pause warning, got %d", n)
	}

	fds, _ = e.poller.Wait(50)
	if containsFd(fds, e.lfd) {
		t.Error("Paused listener should not be reported ready")
	}

	e.resumeAccept()
	if !e.acceptPaused {
		t.Error("Listener resumed before the backoff passed")
	}

	clock = clock.Add(acceptBackoff)
	e.resumeAccept()
	if e.acceptPaused {
		t.Fatal("Expected listener to resume after the backoff")
	}

	fds, err = e.poller.Wait(1000)
	if err != nil || !containsFd(fds, e.lfd) {
		t.Errorf("Expected listener ready again, got %v %v", fds, err)
	}
}

func TestEngineAcceptTransientErrors(t *testing.T) {
	var logs bytes.Buffer
	e := NewEngine(config.ServerConfig{}, NewPipeline(router.New(), zerolog.Nop()), zerolog.New(&logs))

	e.acceptError(unix.EAGAIN)
	e.acceptError(unix.ECONNABORTED)
	if e.acceptPaused || logs.Len() != 0 {
		t.Errorf("Transient accept errors should be ignored, got paused=%v logs=%s", e.acceptPaused, logs.String())
	}
}

func TestEngineWriteTimeoutBoundsStall(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair failed: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock failed: %v", err)
	}

	timeout := 50 * time.Millisecond
	e := NewEngine(config.ServerConfig{WriteTimeout: timeout}, NewPipeline(router.New(), zerolog.Nop()), zerolog.Nop())

	// the peer never reads, so the socket buffer fills
	start := time.Now()
	err = e.writeAll(fds[0], make([]byte, 8<<20))
	elapsed := time.Since(start)

	if err != errWriteTimeout {
		t.Fatalf("Expected errWriteTimeout, got %v", err)
	}
	if elapsed < timeout || elapsed > 2*time.Second {
		t.Errorf("Expected the stall to last about %s, took %s", timeout, elapsed)
	}
}
