package main

import (
	"sort"
	"time"

	"github.com/matst80/divider/internal/state"
)

// Stats represents current divider stats for dashboards & API.
type Stats struct {
	Live            int                 `json:"live"`
	MaxSessions     int                 `json:"max_sessions"`
	Registered      int                 `json:"registered"`
	TotalSessions   int64               `json:"total_sessions"`
	BytesFromClient int64               `json:"bytes_from_client"`
	BytesToClient   int64               `json:"bytes_to_client"`
	BytesDiscarded  int64               `json:"bytes_discarded"`
	Reasons         map[string]int64    `json:"reasons"`
	Sessions        []state.SessionInfo `json:"sessions"`
	Now             string              `json:"now"`
}

// gauge is the slice of the divider server the stats page needs.
type gauge interface {
	Live() int
	Max() int
}

func collectStats(s state.Store, g gauge) Stats {
	st := s.Stats()
	return Stats{
		Live:            g.Live(),
		MaxSessions:     g.Max(),
		Registered:      st.Active,
		TotalSessions:   st.TotalSessions,
		BytesFromClient: st.BytesFromClient,
		BytesToClient:   st.BytesToClient,
		BytesDiscarded:  st.BytesDiscarded,
		Reasons:         st.Reasons,
		Sessions:        st.Sessions,
		Now:             time.Now().UTC().Format(time.RFC3339),
	}
}

type reasonCount struct {
	Reason string
	Count  int64
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	reasons := make([]reasonCount, 0, len(s.Reasons))
	for k, v := range s.Reasons {
		reasons = append(reasons, reasonCount{Reason: k, Count: v})
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i].Reason < reasons[j].Reason })
	return map[string]any{
		"Live":       s.Live,
		"Max":        s.MaxSessions,
		"Total":      s.TotalSessions,
		"FromClient": s.BytesFromClient,
		"ToClient":   s.BytesToClient,
		"Discarded":  s.BytesDiscarded,
		"Reasons":    reasons,
		"Sessions":   s.Sessions,
	}
}
