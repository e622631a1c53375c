package server

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/travigo/redongo/pkg/bulk"
)

// ReplaySpool writes spooled records back to Mongo, one bulk at a time per
// application. Replay stops at the first target that is still unreachable.
func (s *Server) ReplaySpool(ctx context.Context) {
	if s.spool == nil {
		return
	}

	applications, err := s.spool.Applications(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list spooled applications")
		return
	}

	s.mutex.Lock()
	for _, name := range applications {
		s.backlog[name] = true
	}
	s.mutex.Unlock()

	for _, name := range applications {
		if !s.replayApplication(ctx, name) {
			return
		}
	}
}

// loadBacklog holds back new records of every application that still has
// records spooled by an earlier run
func (s *Server) loadBacklog(ctx context.Context) {
	if s.spool == nil {
		return
	}

	applications, err := s.spool.Applications(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list spooled applications")
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, name := range applications {
		s.backlog[name] = true
	}
}

// replayBacklog replays the spool of applications that have newer records
// waiting in memory. The rest wait for ReplaySpool.
func (s *Server) replayBacklog(ctx context.Context) {
	if s.spool == nil {
		return
	}

	s.mutex.Lock()
	names := make([]string, 0, len(s.backlog))
	for name := range s.backlog {
		if state, ok := s.states[name]; ok && state.current.Len() > 0 {
			names = append(names, name)
		}
	}
	s.mutex.Unlock()

	sort.Strings(names)
	for _, name := range names {
		s.replayApplication(ctx, name)
	}
}

// replayApplication drains one application's spool. It returns false when
// the target is unreachable.
func (s *Server) replayApplication(ctx context.Context, name string) bool {
	now := s.now()

	s.mutex.Lock()
	state, known := s.states[name]
	waiting := known && now.Before(state.retryAfter)
	s.mutex.Unlock()

	if waiting {
		log.Debug().Str("application", name).Msg("Skipping replay while MongoDB is unreachable")
		return true
	}

	application, err := s.resolve(ctx, name)
	if err != nil {
		log.Warn().Err(err).Str("application", name).Msg("Spooled records for unresolved application")
		return true
	}

	for ctx.Err() == nil {
		records, err := s.spool.Take(ctx, name, application.BulkSize)
		if err != nil {
			log.Error().Err(err).Str("application", name).Msg("Failed to read spool")
			return true
		}

		b := bulk.New(name)
		var invalid []*bulk.Record
		for _, record := range records {
			if err := b.Add(record, now); err != nil {
				invalid = append(invalid, record)
			}
		}
		if len(invalid) > 0 {
			s.reject(ctx, name, invalid, bulk.ErrMissingID)
		}

		if b.Len() > 0 {
			event := s.flush(ctx, flushJob{application: application, bulk: b, replay: true})
			if event.Outcome == OutcomeParked {
				return false
			}
		}

		if len(records) < application.BulkSize {
			s.mutex.Lock()
			delete(s.backlog, name)
			s.mutex.Unlock()
			return true
		}
	}

	return true
}
