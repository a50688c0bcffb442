package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/startline/config"
	"github.com/searchktools/startline/core/http"
	"github.com/searchktools/startline/core/poller"
	"github.com/searchktools/startline/core/pools"
)

var errWriteTimeout = errors.New("write timed out")

// acceptBackoff is how long the listener is left out of the poller after
// accept fails for lack of descriptors or memory
const acceptBackoff = 100 * time.Millisecond

// Connection states
type connState uint8

const (
	stateAwaitingData connState = iota
	stateClosed
)

// connection is one accepted socket, owned by the loop
type connection struct {
	fd         int
	state      connState
	buf        []byte
	peer       string
	lastActive time.Time
}

// Stats counts connection outcomes since the engine started
type Stats struct {
	Accepted uint64 // connections registered
	Served   uint64 // requests answered
	Dropped  uint64 // connections closed without a response

	BufferHits   uint64 // reads served from a pooled scratch buffer
	BufferMisses uint64 // reads that allocated their scratch buffer
}

// Engine is a single-threaded HTTP server driven by epoll/kqueue readiness.
// Each connection carries exactly one request and is closed after the
// response is written.
type Engine struct {
	cfg      config.ServerConfig
	pipeline *Pipeline
	logger   zerolog.Logger

	poller      poller.Poller
	lfd         int
	addr        net.Addr
	connections map[int]*connection
	bytePool    *pools.BytePool

	serving atomic.Bool
	stopped atomic.Bool

	accepted atomic.Uint64
	served   atomic.Uint64
	dropped  atomic.Uint64

	acceptPaused bool
	acceptResume time.Time

	now func() time.Time
}

// NewEngine creates an engine dispatching to p. Zero values in cfg take the
// defaults of config.Default.
func NewEngine(cfg config.ServerConfig, p *Pipeline, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:         withDefaults(cfg),
		pipeline:    p,
		logger:      logger,
		lfd:         -1,
		connections: make(map[int]*connection, 1024),
		bytePool:    pools.NewBytePool(),
		now:         time.Now,
	}
}

func withDefaults(cfg config.ServerConfig) config.ServerConfig {
	def := config.Default().Server
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = def.MaxRequestBytes
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return cfg
}

// Addr returns the bound listener address, or nil before Listen
func (e *Engine) Addr() net.Addr {
	return e.addr
}

// Stats returns the connection counters
func (e *Engine) Stats() Stats {
	hits, misses := e.bytePool.Stats()
	return Stats{
		Accepted:     e.accepted.Load(),
		Served:       e.served.Load(),
		Dropped:      e.dropped.Load(),
		BufferHits:   hits,
		BufferMisses: misses,
	}
}

// Run listens on the configured address and serves until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Listen(); err != nil {
		return err
	}
	return e.Serve(ctx)
}

// Stop asks a running Serve to shut down after its current iteration
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

// Listen binds the listening socket and registers it with a new poller
func (e *Engine) Listen() error {
	laddr, err := net.ResolveTCPAddr("tcp", e.cfg.Addr())
	if err != nil {
		return err
	}

	lfd, err := listenSocket(laddr, e.cfg.Backlog)
	if err != nil {
		return err
	}

	sa, err := unix.Getsockname(lfd)
	if err != nil {
		unix.Close(lfd)
		return os.NewSyscallError("getsockname", err)
	}

	p, err := poller.NewPoller()
	if err != nil {
		unix.Close(lfd)
		return fmt.Errorf("create poller: %w", err)
	}
	if err := p.Add(lfd); err != nil {
		p.Close()
		unix.Close(lfd)
		return fmt.Errorf("register listener: %w", err)
	}

	e.lfd = lfd
	e.poller = p
	e.addr = tcpAddr(sa)

	e.logger.Info().
		Str("addr", e.addr.String()).
		Int("backlog", e.cfg.Backlog).
		Msg("listening")
	return nil
}

// listenSocket creates a non-blocking TCP listener
func listenSocket(addr *net.TCPAddr, backlog int) (int, error) {
	family := unix.AF_INET
	var sa unix.Sockaddr

	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)

	setup := func() error {
		if err := unix.SetNonblock(fd, true); err != nil {
			return os.NewSyscallError("setnonblock", err)
		}
		// Allow reuse of recently-used addresses.
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return os.NewSyscallError("setsockopt", err)
		}
		if err := unix.Bind(fd, sa); err != nil {
			return os.NewSyscallError("bind", err)
		}
		if err := unix.Listen(fd, backlog); err != nil {
			return os.NewSyscallError("listen", err)
		}
		return nil
	}

	if err := setup(); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Serve runs the event loop until ctx is done or Stop is called. On return
// every tracked connection, the listener and the poller are closed.
func (e *Engine) Serve(ctx context.Context) error {
	if e.poller == nil {
		return ErrNotListening
	}
	if !e.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer e.shutdown()

	timeout := int(e.cfg.PollTimeout / time.Millisecond)
	if timeout <= 0 {
		timeout = defaultPollTimeoutMs
	}

	for {
		if e.stopped.Load() || ctx.Err() != nil {
			return nil
		}

		fds, err := e.poller.Wait(timeout)
		if err != nil {
			return fmt.Errorf("poller wait: %w", err)
		}

		for _, fd := range fds {
			if fd == e.lfd {
				e.accept()
				continue
			}
			if conn, ok := e.connections[fd]; ok {
				e.handleRead(conn)
			}
		}

		e.sweepIdle()
		e.resumeAccept()
	}
}

// accept takes one pending connection off the listener
func (e *Engine) accept() {
	nfd, sa, err := unix.Accept(e.lfd)
	if err != nil {
		e.acceptError(err)
		return
	}

	if len(e.connections) >= e.cfg.MaxConnections {
		unix.Close(nfd)
		e.dropped.Add(1)
		e.logger.Warn().Int("limit", e.cfg.MaxConnections).Msg("connection limit reached")
		return
	}

	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		e.logger.Debug().Err(err).Msg("set nonblock failed")
		return
	}

	// TCP_NODELAY: Disable Nagle's algorithm
	unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	if err := e.poller.Add(nfd); err != nil {
		unix.Close(nfd)
		e.logger.Debug().Err(err).Msg("register connection failed")
		return
	}

	e.connections[nfd] = &connection{
		fd:         nfd,
		state:      stateAwaitingData,
		peer:       tcpAddr(sa).String(),
		lastActive: e.now(),
	}
	e.accepted.Add(1)
}

func (e *Engine) acceptError(err error) {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR || err == unix.ECONNABORTED {
		return
	}
	// the listener stays readable while descriptors are exhausted
	if err == unix.EMFILE || err == unix.ENFILE || err == unix.ENOBUFS || err == unix.ENOMEM {
		e.pauseAccept(err)
		return
	}
	e.logger.Warn().Err(err).Msg("accept failed")
}

func (e *Engine) pauseAccept(cause error) {
	if e.acceptPaused {
		return
	}
	if err := e.poller.Remove(e.lfd); err != nil {
		e.logger.Debug().Err(err).Msg("deregister listener failed")
		return
	}
	e.logger.Warn().Err(cause).Dur("backoff", acceptBackoff).Msg("accept failed, pausing")
	e.acceptPaused = true
	e.acceptResume = e.now().Add(acceptBackoff)
}

// resumeAccept re-registers the listener once the backoff has passed
func (e *Engine) resumeAccept() {
	if !e.acceptPaused || e.now().Before(e.acceptResume) {
		return
	}
	if err := e.poller.Add(e.lfd); err != nil {
		e.logger.Warn().Err(err).Msg("re-register listener failed")
		e.acceptResume = e.now().Add(acceptBackoff)
		return
	}
	e.acceptPaused = false
}

// handleRead reads what is available and answers once a full request is buffered
func (e *Engine) handleRead(conn *connection) {
	scratch := e.bytePool.Get(e.cfg.ReadBufferSize)
	n, err := unix.Read(conn.fd, scratch)
	if err != nil {
		e.bytePool.Put(scratch)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		e.drop(conn, "read failed", err)
		return
	}
	if n == 0 {
		e.bytePool.Put(scratch)
		e.drop(conn, "peer closed", nil)
		return
	}

	conn.buf = append(conn.buf, scratch[:n]...)
	e.bytePool.Put(scratch)
	conn.lastActive = e.now()

	total, complete, err := http.FrameLength(conn.buf, e.cfg.MaxHeaderBytes)
	if err != nil {
		e.drop(conn, "malformed framing", err)
		return
	}
	if total > e.cfg.MaxRequestBytes || len(conn.buf) > e.cfg.MaxRequestBytes {
		e.drop(conn, "request too large", nil)
		return
	}
	if !complete {
		return
	}

	req, err := http.ParseRequest(conn.buf[:total])
	if err != nil {
		e.drop(conn, "parse failed", err)
		return
	}

	resp := e.pipeline.Dispatch(req)
	if err := e.writeAll(conn.fd, resp.Bytes()); err != nil {
		e.drop(conn, "write failed", err)
		return
	}

	e.served.Add(1)
	e.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.Status).
		Str("peer", conn.peer).
		Msg("served")
	e.closeConnection(conn)
}

// writeAll writes b completely, waiting for writability when the socket
// buffer is full
func (e *Engine) writeAll(fd int, b []byte) error {
	deadline := e.now().Add(e.cfg.WriteTimeout)

	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if n > 0 {
			b = b[n:]
		}
		if err == nil || err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return err
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return errWriteTimeout
		}
		if err := waitWritable(fd, remaining); err != nil {
			return err
		}
	}

	return nil
}

func waitWritable(fd int, timeout time.Duration) error {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	_, err := unix.Poll(fds, ms)
	if err != nil && err != unix.EINTR {
		return os.NewSyscallError("poll", err)
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return unix.EPIPE
	}
	return nil
}

// sweepIdle closes connections that have not completed a request within
// the read timeout
func (e *Engine) sweepIdle() {
	if e.cfg.ReadTimeout <= 0 || len(e.connections) == 0 {
		return
	}

	now := e.now()
	for _, conn := range e.connections {
		if now.Sub(conn.lastActive) > e.cfg.ReadTimeout {
			e.drop(conn, "idle timeout", nil)
		}
	}
}

// drop closes a connection that will not get a response
func (e *Engine) drop(conn *connection, reason string, err error) {
	e.dropped.Add(1)
	ev := e.logger.Debug().Str("peer", conn.peer).Int("buffered", len(conn.buf))
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(reason)
	e.closeConnection(conn)
}

// closeConnection deregisters and closes the socket
func (e *Engine) closeConnection(conn *connection) {
	if conn.state == stateClosed {
		return
	}
	conn.state = stateClosed
	delete(e.connections, conn.fd)

	if err := e.poller.Remove(conn.fd); err != nil {
		e.logger.Debug().Err(err).Int("fd", conn.fd).Msg("deregister failed")
	}
	if err := unix.Close(conn.fd); err != nil {
		e.logger.Debug().Err(err).Int("fd", conn.fd).Msg("close failed")
	}
	conn.buf = nil
}

// shutdown closes every tracked connection, the listener and the poller
func (e *Engine) shutdown() {
	open := len(e.connections)
	for _, conn := range e.connections {
		e.closeConnection(conn)
	}

	if !e.acceptPaused {
		e.poller.Remove(e.lfd)
	}
	e.acceptPaused = false
	unix.Close(e.lfd)
	e.poller.Close()
	e.lfd = -1
	e.poller = nil
	e.serving.Store(false)

	stats := e.Stats()
	e.logger.Info().
		Int("closed", open).
		Uint64("accepted", stats.Accepted).
		Uint64("served", stats.Served).
		Uint64("dropped", stats.Dropped).
		Uint64("buffer_hits", stats.BufferHits).
		Uint64("buffer_misses", stats.BufferMisses).
		Msg("server stopped")
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	default:
		return &net.TCPAddr{}
	}
}
