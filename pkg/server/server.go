package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
	"github.com/travigo/redongo/pkg/bulk"
	"github.com/travigo/redongo/pkg/config"
	"github.com/travigo/redongo/pkg/database"
	"github.com/travigo/redongo/pkg/message"
	"github.com/travigo/redongo/pkg/metrics"
	"github.com/travigo/redongo/pkg/registry"
	"github.com/travigo/redongo/pkg/util"
)

const lookupTimeout = 5 * time.Second

type ApplicationSource interface {
	Get(ctx context.Context, name string) (*registry.Application, error)
}

// Spool holds records on disk when memory is full and Mongo is unreachable
type Spool interface {
	Put(ctx context.Context, application string, records []*bulk.Record) error
	Applications(ctx context.Context) ([]string, error)
	Take(ctx context.Context, application string, limit int) ([]*bulk.Record, error)
	Delete(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64, reason string) error
}

type Auditor interface {
	RecordFlush(event FlushEvent)
}

// Delivery is a single queue message; rmq.Delivery satisfies it
type Delivery interface {
	Payload() string
	Ack() error
	Reject() error
}

type Options struct {
	CheckInterval  time.Duration
	FlushWorkers   int
	FlushRetries   int
	RetryInterval  time.Duration
	SettingsTTL    time.Duration
	MaxBuffered    int
	ReplayInterval time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CheckInterval:  cfg.CheckInterval,
		FlushWorkers:   cfg.FlushWorkers,
		FlushRetries:   cfg.FlushRetries,
		RetryInterval:  200 * time.Millisecond,
		SettingsTTL:    cfg.SettingsTTL,
		MaxBuffered:    cfg.MaxBuffered,
		ReplayInterval: cfg.ReplayInterval,
	}
}

type Dependencies struct {
	Applications ApplicationSource
	Writer       database.Writer
	Spool        Spool
	Auditor      Auditor
	Metrics      *metrics.Metrics
}

type applicationState struct {
	application *registry.Application
	current     *bulk.Bulk

	flushing bool
	inflight int

	// Set after a flush could not reach Mongo
	failures   int
	retryAfter time.Time
}

type cachedApplication struct {
	application *registry.Application
	expires     time.Time
}

// Server drains queue deliveries into per-application bulks and flushes
// them to MongoDB
type Server struct {
	options Options

	applications ApplicationSource
	writer       database.Writer
	spool        Spool
	auditor      Auditor
	metrics      *metrics.Metrics

	mutex    sync.Mutex
	states   map[string]*applicationState
	settings map[string]cachedApplication
	stats    map[string]*ApplicationStats
	invalid  int64

	// Deliveries waiting for the registry to answer
	held []Delivery

	// Applications with pending spooled records, which are written before
	// anything newer
	backlog map[string]bool

	wake chan struct{}
	now  func() time.Time
}

func New(options Options, dependencies Dependencies) *Server {
	if options.FlushWorkers < 1 {
		options.FlushWorkers = 1
	}
	if options.RetryInterval <= 0 {
		options.RetryInterval = 200 * time.Millisecond
	}
	if options.CheckInterval <= 0 {
		options.CheckInterval = time.Second
	}

	return &Server{
		options: options,

		applications: dependencies.Applications,
		writer:       dependencies.Writer,
		spool:        dependencies.Spool,
		auditor:      dependencies.Auditor,
		metrics:      dependencies.Metrics,

		states:   map[string]*applicationState{},
		settings: map[string]cachedApplication{},
		stats:    map[string]*ApplicationStats{},
		backlog:  map[string]bool{},

		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Consume implements rmq.BatchConsumer
func (s *Server) Consume(batch rmq.Deliveries) {
	for _, delivery := range batch {
		s.Accept(context.Background(), delivery)
	}
}

// Accept buffers a single delivery, rejecting it straight away when it can
// never be written. Deliveries whose application cannot be looked up yet
// are held and retried on the next tick.
func (s *Server) Accept(ctx context.Context, delivery Delivery) {
	s.accept(ctx, delivery)
}

// accept returns false when the delivery was held back
func (s *Server) accept(ctx context.Context, delivery Delivery) bool {
	payload := delivery.Payload()

	envelope, err := message.Decode([]byte(payload))
	if err != nil {
		log.Warn().Err(err).Str("payload", util.TrimString(payload, 200)).Msg("Rejecting undecodable envelope")
		s.rejectInvalid(delivery)
		return true
	}

	logger := log.With().Str("application", envelope.Application).Logger()

	application, err := s.resolve(ctx, envelope.Application)
	if errors.Is(err, registry.ErrApplicationNotFound) || errors.Is(err, registry.ErrInvalidApplication) {
		logger.Warn().Err(err).Msg("Rejecting record for unresolved application")
		s.rejectInvalid(delivery)
		return true
	} else if err != nil {
		logger.Warn().Err(err).Msg("Registry unavailable, holding record")
		s.mutex.Lock()
		s.held = append(s.held, delivery)
		s.mutex.Unlock()
		return false
	}

	document, err := envelope.Document()
	if err != nil {
		logger.Warn().Err(err).Msg("Rejecting undecodable document")
		s.rejectDelivery(application.Name, delivery)
		return true
	}

	if !application.Accepts(map[string]any(document)) {
		if err := delivery.Ack(); err != nil {
			logger.Error().Err(err).Msg("Failed to ack filtered record")
		}
		s.record(application.Name, func(stats *ApplicationStats) { stats.Filtered++ })
		s.metrics.Filtered(application.Name, 1)
		return true
	}

	now := s.now()
	record := &bulk.Record{
		Operation:  envelope.Operation,
		Document:   document,
		Delivery:   delivery,
		EnqueuedAt: envelope.EnqueuedAt,
		ReceivedAt: now,
	}

	s.mutex.Lock()
	state := s.stateLocked(application)
	err = state.current.Add(record, now)
	full := err == nil && !state.flushing && state.failures == 0 && state.current.Len() >= application.BulkSize
	if err == nil {
		s.statsLocked(application.Name).Received++
	}
	s.mutex.Unlock()

	if err != nil {
		logger.Warn().Err(err).Msg("Rejecting record")
		s.rejectDelivery(application.Name, delivery)
		return true
	}

	s.metrics.Received(application.Name, 1)

	if full {
		s.signal()
	}

	return true
}

// retryHeld accepts held deliveries again, in arrival order. It stops at
// the first one the registry still cannot resolve.
func (s *Server) retryHeld(ctx context.Context) {
	s.mutex.Lock()
	held := s.held
	s.held = nil
	s.mutex.Unlock()

	for i, delivery := range held {
		if !s.accept(ctx, delivery) {
			s.mutex.Lock()
			s.held = append(s.held, held[i+1:]...)
			s.mutex.Unlock()
			return
		}
	}
}

// resolve returns the application's settings, cached for SettingsTTL. Stale
// settings keep being served while the registry is unreachable.
func (s *Server) resolve(ctx context.Context, name string) (*registry.Application, error) {
	now := s.now()

	s.mutex.Lock()
	cached, ok := s.settings[name]
	s.mutex.Unlock()

	if ok && now.Before(cached.expires) {
		return cached.application, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	application, err := s.applications.Get(lookupCtx, name)
	if err != nil {
		if errors.Is(err, registry.ErrApplicationNotFound) {
			s.mutex.Lock()
			delete(s.settings, name)
			s.mutex.Unlock()
			return nil, err
		}
		if ok {
			log.Warn().Err(err).Str("application", name).Msg("Using stale application settings")
			return cached.application, nil
		}
		return nil, err
	}

	s.mutex.Lock()
	s.settings[name] = cachedApplication{application: application, expires: now.Add(s.options.SettingsTTL)}
	s.mutex.Unlock()

	return application, nil
}

func (s *Server) stateLocked(application *registry.Application) *applicationState {
	state, ok := s.states[application.Name]
	if !ok {
		state = &applicationState{current: bulk.New(application.Name)}
		s.states[application.Name] = state
	}
	state.application = application

	return state
}

func (s *Server) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) rejectInvalid(delivery Delivery) {
	if err := delivery.Reject(); err != nil {
		log.Error().Err(err).Msg("Failed to reject delivery")
	}

	s.mutex.Lock()
	s.invalid++
	s.mutex.Unlock()
}

func (s *Server) rejectDelivery(application string, delivery Delivery) {
	if err := delivery.Reject(); err != nil {
		log.Error().Err(err).Str("application", application).Msg("Failed to reject delivery")
	}

	s.record(application, func(stats *ApplicationStats) { stats.Rejected++ })
	s.metrics.Rejected(application, 1)
}

// Run flushes due bulks every check interval, or sooner when a bulk fills
// up, until ctx is cancelled
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.options.CheckInterval)
	defer ticker.Stop()

	s.loadBacklog(ctx)
	lastReplay := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		s.FlushDue(ctx)

		if s.spool != nil && s.options.ReplayInterval > 0 && time.Since(lastReplay) >= s.options.ReplayInterval {
			s.ReplaySpool(ctx)
			lastReplay = time.Now()
		}
	}
}

// Shutdown flushes every bulk once and spools what could not be written.
// Consumers and Run must have stopped first. Records that could be neither
// written nor spooled stay unacked so the queue hands them out again, as do
// held deliveries.
func (s *Server) Shutdown(ctx context.Context) error {
	s.FlushAll(ctx)

	s.mutex.Lock()
	if len(s.held) > 0 {
		log.Warn().Int("records", len(s.held)).Msg("Leaving records of unresolved applications unacked")
		s.held = nil
	}
	leftovers := map[string]*bulk.Bulk{}
	for name, state := range s.states {
		if state.current.Len() > 0 {
			leftovers[name] = state.current
			state.current = bulk.New(name)
		}
	}
	s.mutex.Unlock()

	var errs []error
	for name, b := range leftovers {
		if s.spool == nil {
			errs = append(errs, errors.New(name+": records left unacked, no spool configured"))
			continue
		}

		if err := s.spill(ctx, name, b); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
