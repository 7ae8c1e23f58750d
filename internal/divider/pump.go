package divider

import (
	"net"
	"time"

	"github.com/matst80/divider/internal/obs"
	"github.com/prometheus/client_golang/prometheus"
)

// sink is one destination of a pump together with the byte counter it feeds.
type sink struct {
	leg   string
	conn  net.Conn
	bytes prometheus.Counter
}

// pump copies src into every sink in order, one read at a time. With no sinks the bytes
// are counted and dropped.
type pump struct {
	session string
	leg     string // source leg
	src     net.Conn
	sinks   []sink
	buf     []byte

	readTimeout  time.Duration
	writeTimeout time.Duration
	// idleLimit is the number of consecutive empty read intervals tolerated; 0 retries forever.
	idleLimit int

	dropped prometheus.Counter // used when sinks is empty
	n       int64
}

func (p *pump) run() error {
	idle := 0
	for {
		if p.readTimeout > 0 {
			_ = p.src.SetReadDeadline(time.Now().Add(p.readTimeout))
		}
		n, err := p.src.Read(p.buf)
		if n > 0 {
			idle = 0
			p.n += int64(n)
			if obs.DebugEnabled() {
				obs.Debug("pump.read", obs.Fields{"id": p.session, "src": p.leg, "local": addrString(p.src.LocalAddr()), "peer": addrString(p.src.RemoteAddr()), "bytes": n})
			}
			if werr := p.forward(p.buf[:n]); werr != nil {
				return werr
			}
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if n == 0 {
				idle++
				if p.idleLimit > 0 && idle >= p.idleLimit {
					return ErrIdle
				}
			}
			continue
		}
		return &LegError{Leg: p.leg, Op: "read", Err: err}
	}
}

func (p *pump) forward(b []byte) error {
	if len(p.sinks) == 0 {
		if p.dropped != nil {
			p.dropped.Add(float64(len(b)))
		}
		return nil
	}
	for _, s := range p.sinks {
		if p.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		if _, err := s.conn.Write(b); err != nil {
			return &LegError{Leg: s.leg, Op: "write", Err: err}
		}
		if s.bytes != nil {
			s.bytes.Add(float64(len(b)))
		}
		if obs.DebugEnabled() {
			obs.Debug("pump.write", obs.Fields{"id": p.session, "src": p.leg, "dst": s.leg, "peer": addrString(s.conn.RemoteAddr()), "bytes": len(b)})
		}
	}
	return nil
}
