package server

import (
	"time"
)

const (
	OutcomeWritten  = "written"
	OutcomeParked   = "parked"
	OutcomeRejected = "rejected"
	OutcomeSpooled  = "spooled"
)

// FlushEvent describes what happened to one bulk
type FlushEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Application string    `json:"application"`
	Records     int       `json:"records"`
	Written     int       `json:"written"`
	Rejected    int       `json:"rejected"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Replay      bool      `json:"replay"`
	Duration    float64   `json:"duration_seconds"`
}

type ApplicationStats struct {
	Received int64 `json:"received"`
	Flushed  int64 `json:"flushed"`
	Rejected int64 `json:"rejected"`
	Filtered int64 `json:"filtered"`
	Spooled  int64 `json:"spooled"`
	Replayed int64 `json:"replayed"`
	Failures int64 `json:"failures"`

	Buffered  int       `json:"buffered"`
	LastFlush time.Time `json:"last_flush"`
	LastError string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Applications map[string]ApplicationStats `json:"applications"`
	Invalid      int64                       `json:"invalid"`
	Buffered     int                         `json:"buffered"`

	// Deliveries waiting for the registry
	Held int `json:"held"`
}

func (s *Server) Stats() Snapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	snapshot := Snapshot{
		Applications: make(map[string]ApplicationStats, len(s.stats)),
		Invalid:      s.invalid,
		Held:         len(s.held),
	}

	for name, stats := range s.stats {
		snapshot.Applications[name] = *stats
	}

	for name, state := range s.states {
		buffered := state.current.Len() + state.inflight

		stats := snapshot.Applications[name]
		stats.Buffered = buffered
		snapshot.Applications[name] = stats

		snapshot.Buffered += buffered
	}

	return snapshot
}

func (s *Server) statsLocked(application string) *ApplicationStats {
	stats, ok := s.stats[application]
	if !ok {
		stats = &ApplicationStats{}
		s.stats[application] = stats
	}

	return stats
}

func (s *Server) record(application string, update func(stats *ApplicationStats)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	update(s.statsLocked(application))
}

func (s *Server) publishBuffered() {
	if s.metrics == nil {
		return
	}

	s.mutex.Lock()
	buffered := make(map[string]int, len(s.states))
	for name, state := range s.states {
		buffered[name] = state.current.Len() + state.inflight
	}
	s.mutex.Unlock()

	for name, n := range buffered {
		s.metrics.Buffered(name, n)
	}
}
