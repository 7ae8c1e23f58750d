package divider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/matst80/divider/internal/obs"
	"github.com/matst80/divider/internal/state"
)

// Admission selects what happens to a connection that arrives while the gate is full.
type Admission string

const (
	// AdmitWait holds the connection and polls the gate until a slot frees.
	AdmitWait Admission = "wait"
	// AdmitReject closes the connection immediately.
	AdmitReject Admission = "reject"
)

// Termination selects how an idle client leg ends its session.
type Termination string

const (
	// TerminateOnTimeout ends the session after one ReadTimeout without client data.
	TerminateOnTimeout Termination = "timeout"
	// TerminateOnIdle ends the session after IdleLimit consecutive empty IdleInterval reads.
	TerminateOnIdle Termination = "idle"
)

const (
	defaultMaxSessions        = 1000
	defaultBufferSize         = 16 * 1024
	defaultAdmissionBackoff   = 5 * time.Millisecond
	defaultReadTimeout        = 10 * time.Second
	defaultWriteTimeout       = 10 * time.Millisecond
	defaultClientWriteTimeout = 10 * time.Second
	defaultDialTimeout        = 3 * time.Second
	defaultIdleInterval       = 100 * time.Millisecond
	defaultIdleLimit          = 100
	acceptRetryDelay          = 50 * time.Millisecond
)

// Tracker receives session lifecycle events; state.Store satisfies it.
type Tracker interface {
	SessionOpened(info state.SessionInfo)
	SessionClosed(id string, r state.SessionResult)
}

// Limiter throttles accepted connections by remote host; ratelimit.Limiter satisfies it.
type Limiter interface {
	AllowConnection(remote string) bool
}

// Options configures a Server. Zero values take the documented defaults.
type Options struct {
	Port    string // listen port, bound on 0.0.0.0
	Primary string // host:port whose replies reach the client
	Shadow  string // host:port whose replies are discarded

	BufferSize  int
	MaxSessions int

	Admission        Admission
	AdmissionBackoff time.Duration

	Termination        Termination
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration // downstream writes
	ClientWriteTimeout time.Duration // replies written to the client
	DialTimeout        time.Duration
	IdleInterval       time.Duration
	IdleLimit          int

	Tracker Tracker // optional
	Limiter Limiter // optional
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = defaultMaxSessions
	}
	if o.Admission == "" {
		o.Admission = AdmitWait
	}
	if o.AdmissionBackoff <= 0 {
		o.AdmissionBackoff = defaultAdmissionBackoff
	}
	if o.Termination == "" {
		o.Termination = TerminateOnTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ClientWriteTimeout <= 0 {
		o.ClientWriteTimeout = defaultClientWriteTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = defaultIdleInterval
	}
	if o.IdleLimit <= 0 {
		o.IdleLimit = defaultIdleLimit
	}
	return o
}

// Server accepts client connections and runs one session per connection.
type Server struct {
	opts Options
	gate *Gate
	bufs sync.Pool

	wg   sync.WaitGroup
	live sync.Map // id -> *session
}

func New(opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{opts: opts, gate: NewGate(opts.MaxSessions)}
	size := opts.BufferSize
	s.bufs.New = func() any { b := make([]byte, size); return &b }
	return s
}

func (s *Server) getBuf() *[]byte  { return s.bufs.Get().(*[]byte) }
func (s *Server) putBuf(b *[]byte) { s.bufs.Put(b) }

// Live is the number of sessions currently holding a gate slot.
func (s *Server) Live() int { return s.gate.Live() }

// Max is the configured session limit.
func (s *Server) Max() int { return s.gate.Max() }

// Listen binds 0.0.0.0:<Port>.
func (s *Server) Listen() (net.Listener, error) {
	addr := net.JoinHostPort("0.0.0.0", s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// ListenAndServe binds and serves until ctx is done. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done or ln is closed. Accept errors are logged and retried.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-done:
		}
	}()

	obs.Info("divider.serve", obs.Fields{"addr": addrString(ln.Addr()), "primary": s.opts.Primary, "shadow": s.opts.Shadow, "max_sessions": s.opts.MaxSessions, "admission": string(s.opts.Admission), "termination": string(s.opts.Termination)})
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			obs.Error("accept", obs.Fields{"err": err})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			time.Sleep(acceptRetryDelay)
			continue
		}
		obs.Debug("session.accept", obs.Fields{"remote": addrString(c.RemoteAddr())})

		if s.opts.Limiter != nil && !s.opts.Limiter.AllowConnection(remoteHost(c)) {
			s.reject(c, "rate_limited")
			continue
		}
		if !s.admit(ctx) {
			if ctx.Err() != nil {
				s.reject(c, "shutdown")
				return nil
			}
			s.reject(c, "gate_full")
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, c)
	}
}

func (s *Server) admit(ctx context.Context) bool {
	if s.opts.Admission == AdmitReject {
		return s.gate.TryAdmit()
	}
	start := time.Now()
	ok := s.gate.Wait(ctx, s.opts.AdmissionBackoff)
	obs.AdmissionWaitSeconds.Observe(time.Since(start).Seconds())
	return ok
}

func (s *Server) reject(c net.Conn, reason string) {
	obs.Debug("session.reject", obs.Fields{"remote": addrString(c.RemoteAddr()), "reason": reason})
	obs.SessionsRejectedTotal.WithLabelValues(reason).Inc()
	_ = c.Close()
}

func (s *Server) dial(ctx context.Context, leg, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: s.opts.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		obs.DialFailuresTotal.WithLabelValues(leg).Inc()
		return nil, &LegError{Leg: leg, Op: "dial", Err: err}
	}
	return c, nil
}

// handle runs one admitted connection to completion. The gate slot is released on every path.
func (s *Server) handle(ctx context.Context, client net.Conn) {
	defer s.wg.Done()
	obs.ActiveSessions.Inc()
	obs.SessionsTotal.Inc()
	defer func() {
		s.gate.Release()
		obs.ActiveSessions.Dec()
	}()

	id, _ := cryptoRandomID(8)
	remote := addrString(client.RemoteAddr())
	start := time.Now()

	// Shadow is never dialed when primary is unreachable.
	primary, err := s.dial(ctx, "primary", s.opts.Primary)
	if err != nil {
		_ = client.Close()
		s.dialFailed(id, remote, err)
		return
	}
	shadow, err := s.dial(ctx, "shadow", s.opts.Shadow)
	if err != nil {
		_ = primary.Close()
		_ = client.Close()
		s.dialFailed(id, remote, err)
		return
	}

	sess := &session{id: id, srv: s, client: client, primary: primary, shadow: shadow, started: start}
	s.live.Store(id, sess)
	defer s.live.Delete(id)

	if s.opts.Tracker != nil {
		s.opts.Tracker.SessionOpened(state.SessionInfo{ID: id, Remote: remote, Primary: addrString(primary.RemoteAddr()), Shadow: addrString(shadow.RemoteAddr()), Started: start})
	}
	obs.Debug("session.start", obs.Fields{"id": id, "remote": remote, "primary": addrString(primary.RemoteAddr()), "shadow": addrString(shadow.RemoteAddr())})

	cause := sess.run()
	reason := Reason(cause)
	elapsed := time.Since(start)
	obs.SessionEndTotal.WithLabelValues(reason).Inc()
	obs.SessionDurationSeconds.Observe(elapsed.Seconds())

	f := obs.Fields{"id": id, "remote": remote, "reason": reason, "duration_ms": elapsed.Milliseconds(), "bytes_from_client": sess.fromClient, "bytes_to_client": sess.toClient, "bytes_discarded": sess.discarded}
	switch reason {
	case "eof", "idle", "shutdown":
		obs.Info("session.end", f)
	default:
		f["err"] = cause
		obs.Error("session.end", f)
		obs.ErrorsTotal.WithLabelValues(reason).Inc()
	}
	if s.opts.Tracker != nil {
		s.opts.Tracker.SessionClosed(id, state.SessionResult{Reason: reason, Duration: elapsed, BytesFromClient: sess.fromClient, BytesToClient: sess.toClient, BytesDiscarded: sess.discarded})
	}
}

func (s *Server) dialFailed(id, remote string, err error) {
	reason := Reason(err)
	obs.Error("session.dial", obs.Fields{"id": id, "remote": remote, "reason": reason, "err": err})
	obs.SessionEndTotal.WithLabelValues(reason).Inc()
}

// Shutdown waits for live sessions to finish. When ctx expires first, remaining sessions are
// closed with ErrShutdown and Shutdown waits for their teardown before returning ctx's error.
// Call it after the context given to Serve is done.
func (s *Server) Shutdown(ctx context.Context) error {
	drained := make(chan struct{})
	go func() { s.wg.Wait(); close(drained) }()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}
	n := 0
	s.live.Range(func(_, v any) bool {
		v.(*session).finish(ErrShutdown)
		n++
		return true
	})
	obs.Info("divider.shutdown.forced", obs.Fields{"sessions": n})
	<-drained
	return ctx.Err()
}
