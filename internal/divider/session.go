package divider

import (
	"net"
	"sync"
	"time"

	"github.com/matst80/divider/internal/obs"
)

// session owns the client connection and both downstream connections. The first leg to
// finish records the cause and closes all three; run joins the background pumps before
// returning so nothing outlives the session.
type session struct {
	id      string
	srv     *Server
	client  net.Conn
	primary net.Conn
	shadow  net.Conn
	started time.Time

	once  sync.Once
	cause error

	fromClient int64
	toClient   int64
	discarded  int64
}

func (s *session) finish(err error) {
	s.once.Do(func() {
		s.cause = err
		_ = s.client.Close()
		_ = s.primary.Close()
		_ = s.shadow.Close()
	})
}

func (s *session) run() error {
	o := &s.srv.opts
	clientRead, clientIdle := o.ReadTimeout, 1
	if o.Termination == TerminateOnIdle {
		clientRead, clientIdle = o.IdleInterval, o.IdleLimit
	}

	bufs := [3]*[]byte{s.srv.getBuf(), s.srv.getBuf(), s.srv.getBuf()}
	defer func() {
		for _, b := range bufs {
			s.srv.putBuf(b)
		}
	}()

	fanOut := &pump{
		session: s.id,
		leg:     "client",
		src:     s.client,
		sinks: []sink{
			{leg: "primary", conn: s.primary, bytes: obs.BytesTotal.WithLabelValues(obs.DirClientToPrimary)},
			{leg: "shadow", conn: s.shadow, bytes: obs.BytesTotal.WithLabelValues(obs.DirClientToShadow)},
		},
		buf:          *bufs[0],
		readTimeout:  clientRead,
		writeTimeout: o.WriteTimeout,
		idleLimit:    clientIdle,
	}
	reply := &pump{
		session:      s.id,
		leg:          "primary",
		src:          s.primary,
		sinks:        []sink{{leg: "client", conn: s.client, bytes: obs.BytesTotal.WithLabelValues(obs.DirPrimaryToClient)}},
		buf:          *bufs[1],
		readTimeout:  o.ReadTimeout,
		writeTimeout: o.ClientWriteTimeout,
	}
	discard := &pump{
		session:     s.id,
		leg:         "shadow",
		src:         s.shadow,
		buf:         *bufs[2],
		readTimeout: o.ReadTimeout,
		dropped:     obs.BytesTotal.WithLabelValues(obs.DirShadowDiscarded),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.finish(reply.run()) }()
	go func() { defer wg.Done(); s.finish(discard.run()) }()
	s.finish(fanOut.run())
	wg.Wait()

	s.fromClient, s.toClient, s.discarded = fanOut.n, reply.n, discard.n
	return s.cause
}
