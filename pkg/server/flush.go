package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/travigo/redongo/pkg/bulk"
	"github.com/travigo/redongo/pkg/database"
	"github.com/travigo/redongo/pkg/message"
	"github.com/travigo/redongo/pkg/registry"
)

const maxRetryDelayFactor = 30

type flushJob struct {
	application *registry.Application
	bulk        *bulk.Bulk

	// Replayed bulks come from the spool and are never parked in memory
	replay bool
}

// FlushDue writes every bulk that is full, expired or waiting for a retry,
// then spills parked bulks to disk if memory is over the limit. Spooled
// records of an application are replayed before its newer bulk is written.
func (s *Server) FlushDue(ctx context.Context) {
	s.retryHeld(ctx)
	s.replayBacklog(ctx)
	s.flushJobs(ctx, s.collect(false))
	s.spillOverflow(ctx)
	s.publishBuffered()
}

// FlushAll writes every non-empty bulk regardless of size or age, except
// those queued behind spooled records
func (s *Server) FlushAll(ctx context.Context) {
	s.flushJobs(ctx, s.collect(true))
	s.publishBuffered()
}

func (s *Server) collect(force bool) []flushJob {
	now := s.now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var jobs []flushJob
	for name, state := range s.states {
		if state.flushing || state.current.Len() == 0 || s.backlog[name] {
			continue
		}

		if !force {
			if now.Before(state.retryAfter) {
				continue
			}

			application := state.application
			due := state.current.Due(now, application.BulkSize, application.BulkExpiration.Duration())
			if !due && state.failures == 0 {
				continue
			}
		}

		jobs = append(jobs, flushJob{application: state.application, bulk: state.current})
		state.inflight = state.current.Len()
		state.current = bulk.New(name)
		state.flushing = true
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].application.Name < jobs[j].application.Name
	})

	return jobs
}

func (s *Server) flushJobs(ctx context.Context, jobs []flushJob) {
	if len(jobs) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(s.options.FlushWorkers)
	for _, job := range jobs {
		p.Go(func() {
			s.flush(ctx, job)
		})
	}
	p.Wait()
}

func (s *Server) retryPolicy(ctx context.Context) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = s.options.RetryInterval
	exponential.MaxInterval = s.options.RetryInterval * maxRetryDelayFactor
	exponential.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(s.options.FlushRetries)), ctx)
}

// flush writes one bulk with retries and settles every record in it
func (s *Server) flush(ctx context.Context, job flushJob) FlushEvent {
	application := job.application
	logger := log.With().Str("application", application.Name).Logger()

	models, owners := job.bulk.WriteModels()
	records := job.bulk.Len()
	all := job.bulk.Records()
	startTime := time.Now()

	attempts := 0
	var result database.WriteResult
	err := backoff.Retry(func() error {
		attempts++
		for _, record := range all {
			record.Attempts++
		}

		var writeErr error
		result, writeErr = s.writer.Write(ctx, application, models)
		if writeErr != nil && !database.IsTransient(writeErr) {
			return backoff.Permanent(writeErr)
		}
		if writeErr != nil {
			logger.Warn().Err(writeErr).Int("attempt", attempts).Msg("Bulk write failed")
		}

		return writeErr
	}, s.retryPolicy(ctx))

	duration := time.Since(startTime)
	s.metrics.FlushDuration(application.Name, duration)

	event := FlushEvent{
		Timestamp:   s.now(),
		Application: application.Name,
		Records:     records,
		Replay:      job.replay,
		Duration:    duration.Seconds(),
	}

	switch {
	case err == nil:
		written, rejected := s.settle(ctx, job, owners, result)
		event.Written = written
		event.Rejected = rejected
		event.Outcome = OutcomeWritten

		logger.Info().Int("Length", len(models)).Int("records", records).Int("rejected", rejected).
			Str("Time", duration.String()).Msg("Bulk write")

		s.mutex.Lock()
		stats := s.statsLocked(application.Name)
		if job.replay {
			stats.Replayed += int64(written)
		} else {
			stats.Flushed += int64(written)
		}
		stats.LastFlush = event.Timestamp
		stats.LastError = ""
		s.mutex.Unlock()

		if job.replay {
			s.metrics.Replayed(application.Name, written)
		} else {
			s.metrics.Flushed(application.Name, written)
		}
	case database.IsTransient(err):
		event.Outcome = OutcomeParked
		event.Error = err.Error()

		logger.Error().Err(err).Int("records", records).Msg("MongoDB unreachable, keeping bulk for retry")

		s.metrics.FlushFailed(application.Name)
		s.mutex.Lock()
		stats := s.statsLocked(application.Name)
		stats.Failures++
		stats.LastError = err.Error()
		s.mutex.Unlock()

		if job.replay {
			s.mutex.Lock()
			s.backOffLocked(s.stateLocked(application))
			s.mutex.Unlock()
		} else {
			s.park(job)
		}
	default:
		event.Outcome = OutcomeRejected
		event.Error = err.Error()
		event.Rejected = records

		logger.Error().Err(err).Int("records", records).Msg("Bulk write refused, rejecting records")

		s.reject(ctx, application.Name, job.bulk.Records(), err)

		s.mutex.Lock()
		s.statsLocked(application.Name).LastError = err.Error()
		s.mutex.Unlock()
	}

	if event.Outcome != OutcomeParked {
		if job.replay {
			s.recovered(application.Name)
		} else {
			s.release(application.Name)
		}
	}

	if s.auditor != nil {
		s.auditor.RecordFlush(event)
	}

	return event
}

// settle acks the records behind successful models and rejects the rest
func (s *Server) settle(ctx context.Context, job flushJob, owners [][]*bulk.Record, result database.WriteResult) (int, int) {
	var written, refused []*bulk.Record
	var reasons []error

	for i, records := range owners {
		failure, failed := result.Failed[i]
		if failed && insertedByEarlierAttempt(records, failure) {
			failed = false
		}

		if failed {
			refused = append(refused, records...)
			reasons = append(reasons, failure)
			continue
		}

		written = append(written, records...)
	}

	s.acknowledge(ctx, job.application.Name, written)

	if len(refused) > 0 {
		s.reject(ctx, job.application.Name, refused, errors.Join(reasons...))
	}

	return len(written), len(refused)
}

// A retried insert whose earlier attempt reached the server reports a
// duplicate _id, which we generated, so the document is already stored.
// The earlier attempt may have been in another flush, before a park or a
// spool round trip.
func insertedByEarlierAttempt(records []*bulk.Record, failure error) bool {
	if len(records) != 1 || records[0].Operation == message.OperationAdd || records[0].Attempts < 2 {
		return false
	}

	var writeFailure *database.WriteFailure
	return errors.As(failure, &writeFailure) && writeFailure.DuplicateKey()
}

// park puts a bulk that could not reach Mongo back in front of anything
// received since, and holds it back for a growing delay
func (s *Server) park(job flushJob) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	state := s.states[job.application.Name]
	job.bulk.Merge(state.current)
	state.current = job.bulk
	state.flushing = false
	state.inflight = 0
	s.backOffLocked(state)
}

func (s *Server) backOffLocked(state *applicationState) {
	state.failures++

	factor := state.failures
	if factor > maxRetryDelayFactor {
		factor = maxRetryDelayFactor
	}
	state.retryAfter = s.now().Add(s.options.CheckInterval * time.Duration(factor))
}

// recovered clears the retry delay after a replay reached Mongo, leaving
// any in-flight bulk alone
func (s *Server) recovered(application string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if state, ok := s.states[application]; ok {
		state.failures = 0
		state.retryAfter = time.Time{}
	}
}

func (s *Server) release(application string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	state := s.states[application]
	state.flushing = false
	state.inflight = 0
	state.failures = 0
	state.retryAfter = time.Time{}
}

func (s *Server) acknowledge(ctx context.Context, application string, records []*bulk.Record) {
	var spoolIDs []int64

	for _, record := range records {
		if record.Spooled() {
			spoolIDs = append(spoolIDs, record.SpoolID)
			continue
		}

		if err := record.Delivery.Ack(); err != nil {
			log.Error().Err(err).Str("application", application).Msg("Failed to ack record")
		}
	}

	if len(spoolIDs) > 0 && s.spool != nil {
		if err := s.spool.Delete(ctx, spoolIDs); err != nil {
			log.Error().Err(err).Str("application", application).Msg("Failed to remove replayed records from spool")
		}
	}
}

// reject moves records to the failed list, or marks them failed in the
// spool when they came from there
func (s *Server) reject(ctx context.Context, application string, records []*bulk.Record, reason error) {
	var spoolIDs []int64

	for _, record := range records {
		if record.Spooled() {
			spoolIDs = append(spoolIDs, record.SpoolID)
			continue
		}

		if err := record.Delivery.Reject(); err != nil {
			log.Error().Err(err).Str("application", application).Msg("Failed to reject record")
		}
	}

	if len(spoolIDs) > 0 && s.spool != nil {
		if err := s.spool.MarkFailed(ctx, spoolIDs, reason.Error()); err != nil {
			log.Error().Err(err).Str("application", application).Msg("Failed to mark spooled records failed")
		}
	}

	s.record(application, func(stats *ApplicationStats) { stats.Rejected += int64(len(records)) })
	s.metrics.Rejected(application, len(records))
}

// spillOverflow writes the largest parked bulks, and bulks waiting behind
// spooled records, to the spool until the records held in memory are back
// under MaxBuffered
func (s *Server) spillOverflow(ctx context.Context) {
	if s.spool == nil || s.options.MaxBuffered <= 0 {
		return
	}

	type candidate struct {
		name string
		bulk *bulk.Bulk
	}

	s.mutex.Lock()
	total := 0
	var parked []candidate
	for name, state := range s.states {
		total += state.current.Len() + state.inflight
		if (state.failures > 0 || s.backlog[name]) && !state.flushing && state.current.Len() > 0 {
			parked = append(parked, candidate{name: name, bulk: state.current})
		}
	}

	if total <= s.options.MaxBuffered {
		s.mutex.Unlock()
		return
	}

	sort.Slice(parked, func(i, j int) bool {
		return parked[i].bulk.Len() > parked[j].bulk.Len()
	})

	var spills []candidate
	for _, c := range parked {
		if total <= s.options.MaxBuffered {
			break
		}

		state := s.states[c.name]
		state.current = bulk.New(c.name)
		state.flushing = true
		total -= c.bulk.Len()
		spills = append(spills, c)
	}
	s.mutex.Unlock()

	for _, c := range spills {
		err := s.spill(ctx, c.name, c.bulk)

		s.mutex.Lock()
		state := s.states[c.name]
		if err != nil {
			c.bulk.Merge(state.current)
			state.current = c.bulk
		}
		state.flushing = false
		s.mutex.Unlock()
	}
}

// spill writes a bulk to the spool and acks its deliveries
func (s *Server) spill(ctx context.Context, application string, b *bulk.Bulk) error {
	records := b.Records()

	if err := s.spool.Put(ctx, application, records); err != nil {
		log.Error().Err(err).Str("application", application).Int("records", len(records)).Msg("Failed to spool records")
		return fmt.Errorf("spool %s: %w", application, err)
	}

	for _, record := range records {
		if record.Delivery == nil {
			continue
		}
		if err := record.Delivery.Ack(); err != nil {
			log.Error().Err(err).Str("application", application).Msg("Failed to ack spooled record")
		}
	}

	log.Warn().Str("application", application).Int("records", len(records)).Msg("Spooled records to disk")

	s.mutex.Lock()
	s.backlog[application] = true
	s.mutex.Unlock()

	s.record(application, func(stats *ApplicationStats) { stats.Spooled += int64(len(records)) })
	s.metrics.Spooled(application, len(records))

	if s.auditor != nil {
		s.auditor.RecordFlush(FlushEvent{
			Timestamp:   s.now(),
			Application: application,
			Records:     len(records),
			Outcome:     OutcomeSpooled,
		})
	}

	return nil
}
