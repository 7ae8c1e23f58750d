package state

import (
	"sort"
	"sync"
)

// Memory keeps the registry in process; it is the default backend.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]SessionInfo
	closing  bool
	ready    bool
	total    int64
	fromCli  int64
	toCli    int64
	dropped  int64
	reasons  map[string]int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]SessionInfo), reasons: make(map[string]int64)}
}

func (m *Memory) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *Memory) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *Memory) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *Memory) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }
func (m *Memory) Close() error            { return nil }

func (m *Memory) SessionOpened(info SessionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[info.ID] = info
	m.total++
}

func (m *Memory) SessionClosed(id string, r SessionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	m.fromCli += r.BytesFromClient
	m.toCli += r.BytesToClient
	m.dropped += r.BytesDiscarded
	m.reasons[r.Reason]++
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Active:          len(m.sessions),
		TotalSessions:   m.total,
		BytesFromClient: m.fromCli,
		BytesToClient:   m.toCli,
		BytesDiscarded:  m.dropped,
		Reasons:         make(map[string]int64, len(m.reasons)),
		Sessions:        make([]SessionInfo, 0, len(m.sessions)),
	}
	for k, v := range m.reasons {
		st.Reasons[k] = v
	}
	for _, s := range m.sessions {
		st.Sessions = append(st.Sessions, s)
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].Started.Before(st.Sessions[j].Started) })
	return st
}
