package divider

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matst80/divider/internal/obs"
	"github.com/matst80/divider/internal/state"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// backend is a loopback TCP endpoint that records every byte it receives.
type backend struct {
	ln     net.Listener
	onConn func(c net.Conn)
	onData func(c net.Conn, b []byte)

	mu       sync.Mutex
	buf      bytes.Buffer
	accepted int
	closed   int
}

func newBackend(t *testing.T, onConn func(net.Conn), onData func(net.Conn, []byte)) *backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	b := &backend{ln: ln, onConn: onConn, onData: onData}
	go b.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return b
}

func (b *backend) serve() {
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.accepted++
		b.mu.Unlock()
		go b.handle(c)
	}
}

func (b *backend) handle(c net.Conn) {
	defer func() {
		_ = c.Close()
		b.mu.Lock()
		b.closed++
		b.mu.Unlock()
	}()
	if b.onConn != nil {
		b.onConn(c)
	}
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			b.mu.Lock()
			b.buf.Write(buf[:n])
			b.mu.Unlock()
			if b.onData != nil {
				b.onData(c, buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *backend) addr() string { return b.ln.Addr().String() }

func (b *backend) received() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *backend) counts() (accepted, closed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted, b.closed
}

// recorder is a Tracker that keeps every event.
type recorder struct {
	mu     sync.Mutex
	opened []state.SessionInfo
	closed map[string]state.SessionResult
}

func newRecorder() *recorder { return &recorder{closed: map[string]state.SessionResult{}} }

func (r *recorder) SessionOpened(info state.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, info)
}

func (r *recorder) SessionClosed(id string, res state.SessionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[id] = res
}

func (r *recorder) results() []state.SessionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]state.SessionResult, 0, len(r.closed))
	for _, v := range r.closed {
		out = append(out, v)
	}
	return out
}

func (r *recorder) openedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened)
}

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	s := New(opts)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-errc
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = s.Shutdown(sctx)
	})
	return s, ln.Addr().String()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialClient(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial divider: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// expectClosed asserts the divider closes c without sending anything.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("expected no bytes before close, got %q", b)
	}
}

func TestPingPong(t *testing.T) {
	primary := newBackend(t, nil, func(c net.Conn, b []byte) { _, _ = c.Write([]byte("PONG")) })
	shadow := newBackend(t, nil, func(c net.Conn, b []byte) { _, _ = c.Write([]byte("SHADOW")) })
	rec := newRecorder()
	_, addr := startServer(t, Options{Primary: primary.addr(), Shadow: shadow.addr(), BufferSize: 1024, Tracker: rec})

	c := dialClient(t, addr)
	if _, err := c.Write([]byte("PING")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 4)
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(got) != "PONG" {
		t.Fatalf("client got %q, want PONG", got)
	}

	waitFor(t, 2*time.Second, "shadow to receive PING", func() bool { return string(shadow.received()) == "PING" })

	// Nothing from shadow may ever reach the client.
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	extra := make([]byte, 16)
	n, err := c.Read(extra)
	if n != 0 {
		t.Fatalf("client observed extra bytes %q", extra[:n])
	}
	if !isTimeout(err) {
		t.Fatalf("expected read timeout, got %v", err)
	}
	if string(primary.received()) != "PING" {
		t.Errorf("primary received %q", primary.received())
	}

	_ = c.Close()
	waitFor(t, 2*time.Second, "session result", func() bool { return len(rec.results()) == 1 })
	res := rec.results()[0]
	if res.BytesFromClient != 4 || res.BytesToClient != 4 || res.BytesDiscarded != 6 {
		t.Errorf("unexpected byte accounting %+v", res)
	}
}

func TestFanOutPreservesBytes(t *testing.T) {
	primary := newBackend(t, nil, nil)
	shadow := newBackend(t, nil, nil)
	_, addr := startServer(t, Options{Primary: primary.addr(), Shadow: shadow.addr(), BufferSize: 512, WriteTimeout: time.Second})

	payload := make([]byte, 256*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	c := dialClient(t, addr)
	for off := 0; off < len(payload); off += 1000 {
		end := min(off+1000, len(payload))
		if _, err := c.Write(payload[off:end]); err != nil {
			t.Fatalf("client write at %d: %v", off, err)
		}
	}
	waitFor(t, 5*time.Second, "both backends to receive the payload", func() bool {
		return len(primary.received()) == len(payload) && len(shadow.received()) == len(payload)
	})
	if !bytes.Equal(primary.received(), payload) {
		t.Error("primary stream differs from client stream")
	}
	if !bytes.Equal(shadow.received(), payload) {
		t.Error("shadow stream differs from client stream")
	}
}

func TestPrimaryRepliesReachClient(t *testing.T) {
	reply := bytes.Repeat([]byte("primary-reply-"), 5000)
	primary := newBackend(t, func(c net.Conn) { _, _ = c.Write(reply) }, nil)
	shadow := newBackend(t, func(c net.Conn) { _, _ = c.Write(bytes.Repeat([]byte("x"), 70000)) }, nil)
	_, addr := startServer(t, Options{Primary: primary.addr(), Shadow: shadow.addr(), BufferSize: 333})

	c := dialClient(t, addr)
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	got := make([]byte, len(reply))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatal("client did not receive primary reply unmodified")
	}
}

func TestRejectPolicyClosesExcessConnections(t *testing.T) {
	primary := newBackend(t, nil, nil)
	shadow := newBackend(t, nil, nil)
	s, addr := startServer(t, Options{Primary: primary.addr(), Shadow: shadow.addr(), MaxSessions: 1, Admission: AdmitReject})
	rejected := obs.SessionsRejectedTotal.WithLabelValues("gate_full")
	before := testutil.ToFloat64(rejected)

	c1 := dialClient(t, addr)
	waitFor(t, 2*time.Second, "first session", func() bool { return s.Live() == 1 })

	c2 := dialClient(t, addr)
	expectClosed(t, c2)
	if s.Live() != 1 {
		t.Errorf("Live = %d, want 1", s.Live())
	}
	if got := testutil.ToFloat64(rejected) - before; got != 1 {
		t.Errorf("gate_full rejections grew by %v, want 1", got)
	}

	_ = c1.Close()
	waitFor(t, 2*time.Second, "slot release", func() bool { return s.Live() == 0 })
	c3 := dialClient(t, addr)
	if _, err := c3.Write([]byte("C")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "third session to forward", func() bool { return string(primary.received()) == "C" })
}

func TestWaitPolicyQueuesExcessConnections(t *testing.T) {
	primary := newBackend(t, nil, nil)
	shadow := newBackend(t, nil, nil)
	s, addr := startServer(t, Options{Primary: primary.addr(), Shadow: shadow.addr(), MaxSessions: 1, Admission: AdmitWait})

	c1 := dialClient(t, addr)
	if _, err := c1.Write([]byte("A")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "first session to forward", func() bool { return string(primary.received()) == "A" })

	c2 := dialClient(t, addr)
	if _, err := c2.Write([]byte("B")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := string(primary.received()); got != "A" {
		t.Fatalf("second connection forwarded while the gate was full: %q", got)
	}
	if s.Live() != 1 {
		t.Fatalf("Live = %d, want 1", s.Live())
	}

	_ = c1.Close()
	waitFor(t, 2*time.Second, "queued session to forward", func() bool { return string(primary.received()) == "AB" })
	waitFor(t, 2*time.Second, "shadow to see both", func() bool { return string(shadow.received()) == "AB" })
	if s.Live() != 1 {
		t.Errorf("Live = %d, want 1", s.Live())
	}
}

func TestTimeoutPolicyEndsIdleSession(t *testing.T) {
	primary := newBackend(t, nil, nil)
	shadow := newBackend(t, nil, nil)
	rec := newRecorder()
	s, addr := startServer(t, Options{Primary: primary.addr(), Shadow: shadow.addr(), ReadTimeout: 100 * time.Millisecond, Tracker: rec})

	c := dialClient(t, addr)
	waitFor(t, 2*time.Second, "session start", func() bool { return s.Live() == 1 })
	expectClosed(t, c)
	waitFor(t, 2*time.Second, "slot release", func() bool { return s.Live() == 0 })
	waitFor(t, 2*time.Second, "downstreams closed", func() bool {
		_, pc := primary.counts()
		_, sc := shadow.counts()
		return pc == 1 && sc == 1
	})
	res := rec.results()
	if len(res) != 1 || res[0].Reason != "idle" {
		t.Errorf("results = %+v, want one idle", res)
	}
}

func TestIdlePolicyEndsIdleSession(t *testing.T) {
	primary := newBackend(t, nil, nil)
	shadow := newBackend(t, nil, nil)
	rec := newRecorder()
	s, addr := startServer(t, Options{
		Primary:      primary.addr(),
		Shadow:       shadow.addr(),
		Termination:  TerminateOnIdle,
		IdleInterval: 20 * time.Millisecond,
		IdleLimit:    5,
		Tracker:      rec,
	})

	c := dialClient(t, addr)
	// Activity inside the window resets the idle count.
	for i := 0; i < 5; i++ {
		if _, err := c.Write([]byte{'k'}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if s.Live() != 1 {
		t.Fatalf("session ended while client was active")
	}
	expectClosed(t, c)
	waitFor(t, 2*time.Second, "slot release", func() bool { return s.Live() == 0 })
	if res := rec.results(); len(res) != 1 || res[0].Reason != "idle" {
		t.Errorf("results = %+v, want one idle", res)
	}
}

func TestPrimaryRefusedClosesClient(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	_ = dead.Close()

	shadow := newBackend(t, nil, nil)
	rec := newRecorder()
	s, addr := startServer(t, Options{Primary: deadAddr, Shadow: shadow.addr(), Tracker: rec})
	failures := obs.DialFailuresTotal.WithLabelValues("primary")
	before := testutil.ToFloat64(failures)

	c := dialClient(t, addr)
	expectClosed(t, c)
	waitFor(t, 2*time.Second, "slot release", func() bool { return s.Live() == 0 })
	if accepted, _ := shadow.counts(); accepted != 0 {
		t.Errorf("shadow was dialed %d times after primary failure", accepted)
	}
	if rec.openedCount() != 0 {
		t.Error("tracker saw a session that never connected")
	}
	if got := testutil.ToFloat64(failures) - before; got != 1 {
		t.Errorf("primary dial failures grew by %v, want 1", got)
	}
}

func TestShadowRefusedClosesSession(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	_ = dead.Close()

	primary := newBackend(t, nil, nil)
	s, addr := startServer(t, Options{Primary: primary.addr(), Shadow: deadAddr})

	c := dialClient(t, addr)
	expectClosed(t, c)
	waitFor(t, 2*time.Second, "slot release", func() bool { return s.Live() == 0 })
	waitFor(t, 2*time.Second, "primary connection closed", func() bool {
		accepted, closed := primary.counts()
		return accepted == 1 && closed == 1
	})
}

func TestClientCloseTearsDownAllLegs(t *testing.T) {
	primary := newBackend(t, nil, nil)
	shadow := newBackend(t, nil, nil)
	rec := newRecorder()
	s, addr := startServer(t, Options{Primary: primary.addr(), Shadow: shadow.addr(), Tracker: rec})

	c := dialClient(t, addr)
	if _, err := c.Write([]byte("bye")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "forward", func() bool { return string(shadow.received()) == "bye" })
	_ = c.Close()

	waitFor(t, 2*time.Second, "downstreams closed", func() bool {
		_, pc := primary.counts()
		_, sc := shadow.counts()
		return pc == 1 && sc == 1
	})
	waitFor(t, 2*time.Second, "slot release", func() bool { return s.Live() == 0 })
	if res := rec.results(); len(res) != 1 || res[0].Reason != "eof" {
		t.Errorf("results = %+v, want one eof", res)
	}
}

func TestPrimaryCloseTearsDownSession(t *testing.T) {
	primary := newBackend(t, func(c net.Conn) { _, _ = c.Write([]byte("bye")); _ = c.Close() }, nil)
	shadow := newBackend(t, nil, nil)
	s, addr := startServer(t, Options{Primary: primary.addr(), Shadow: shadow.addr()})

	c := dialClient(t, addr)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(b) != "bye" {
		t.Errorf("client got %q", b)
	}
	waitFor(t, 2*time.Second, "shadow closed", func() bool { _, sc := shadow.counts(); return sc == 1 })
	waitFor(t, 2*time.Second, "slot release", func() bool { return s.Live() == 0 })
}

type denyAll struct{}

func (denyAll) AllowConnection(string) bool { return false }

func TestLimiterRejects(t *testing.T) {
	primary := newBackend(t, nil, nil)
	shadow := newBackend(t, nil, nil)
	_, addr := startServer(t, Options{Primary: primary.addr(), Shadow: shadow.addr(), Limiter: denyAll{}})

	c := dialClient(t, addr)
	expectClosed(t, c)
	if accepted, _ := primary.counts(); accepted != 0 {
		t.Errorf("primary dialed %d times for a rate limited client", accepted)
	}
}

func TestShutdownForcesLiveSessions(t *testing.T) {
	primary := newBackend(t, nil, nil)
	shadow := newBackend(t, nil, nil)
	rec := newRecorder()
	s := New(Options{Primary: primary.addr(), Shadow: shadow.addr(), Tracker: rec})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	c := dialClient(t, ln.Addr().String())
	waitFor(t, 2*time.Second, "session start", func() bool { return rec.openedCount() == 1 })

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	sctx, scancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer scancel()
	if err := s.Shutdown(sctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want deadline exceeded", err)
	}
	if s.Live() != 0 {
		t.Errorf("Live = %d after forced shutdown", s.Live())
	}
	if res := rec.results(); len(res) != 1 || res[0].Reason != "shutdown" {
		t.Errorf("results = %+v, want one shutdown", res)
	}
	expectClosed(t, c)
}

func TestListenBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	s := New(Options{Port: port, Primary: "127.0.0.1:1", Shadow: "127.0.0.1:1"})
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected bind failure on an occupied port")
	}
}
