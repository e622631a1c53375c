package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/redongo/pkg/registry"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultConnectTimeout = 30 * time.Second

// ErrTargetUnavailable wraps failures to reach an application's deployment
var ErrTargetUnavailable = errors.New("mongo target unavailable")

// Pool shares one client per Mongo deployment between all applications
// that write to it
type Pool struct {
	ConnectTimeout time.Duration

	mutex   sync.Mutex
	targets map[string]*target
}

// target serialises connecting to one deployment, so a slow or dead one
// only holds up the applications writing to it
type target struct {
	connect sync.Mutex
	client  atomic.Pointer[mongo.Client]
}

func NewPool() *Pool {
	return &Pool{
		ConnectTimeout: defaultConnectTimeout,
		targets:        map[string]*target{},
	}
}

func (p *Pool) target(uri string) *target {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	t, ok := p.targets[uri]
	if !ok {
		t = &target{}
		p.targets[uri] = t
	}

	return t
}

func (p *Pool) Client(ctx context.Context, application *registry.Application) (*mongo.Client, error) {
	t := p.target(application.Target())

	if client := t.client.Load(); client != nil {
		return client, nil
	}

	t.connect.Lock()
	defer t.connect.Unlock()

	if client := t.client.Load(); client != nil {
		return client, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(application.Target()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTargetUnavailable, err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: %w", ErrTargetUnavailable, err)
	}

	log.Info().Str("application", application.Name).Str("namespace", application.Namespace()).Msg("Connected to MongoDB")

	t.client.Store(client)

	return client, nil
}

func (p *Pool) Collection(ctx context.Context, application *registry.Application) (*mongo.Collection, error) {
	client, err := p.Client(ctx, application)
	if err != nil {
		return nil, err
	}

	return client.Database(application.MongoDatabase).Collection(application.MongoCollection), nil
}

// Ping checks every connected deployment
func (p *Pool) Ping(ctx context.Context) error {
	var errs []error
	for _, client := range p.clients() {
		if err := client.Ping(ctx, nil); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *Pool) Close(ctx context.Context) error {
	p.mutex.Lock()
	targets := p.targets
	p.targets = map[string]*target{}
	p.mutex.Unlock()

	var errs []error
	for _, t := range targets {
		t.connect.Lock()
		if client := t.client.Swap(nil); client != nil {
			if err := client.Disconnect(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		t.connect.Unlock()
	}

	return errors.Join(errs...)
}

func (p *Pool) clients() []*mongo.Client {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	clients := make([]*mongo.Client, 0, len(p.targets))
	for _, t := range p.targets {
		if client := t.client.Load(); client != nil {
			clients = append(clients, client)
		}
	}

	return clients
}
