package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/jinzhu/copier"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	applicationKeyPrefix = "redongo:application:"
	applicationIndexKey  = "redongo:applications"
)

var ErrApplicationNotFound = errors.New("application not found")

// Registry stores application settings in Redis so producers, servers and
// the CLI all see the same definitions
type Registry struct {
	client   *redis.Client
	settings *cache.Cache[string]

	now func() time.Time
}

func New(client *redis.Client) *Registry {
	redisStore := redisstore.NewRedis(client)

	return &Registry{
		client:   client,
		settings: cache.New[string](redisStore),
		now:      time.Now,
	}
}

func applicationKey(name string) string {
	return applicationKeyPrefix + name
}

func (r *Registry) Register(ctx context.Context, application *Application) error {
	if err := application.Validate(); err != nil {
		return err
	}

	now := r.now().UTC()
	application.UpdatedAt = now

	existing, err := r.Get(ctx, application.Name)
	switch {
	case err == nil:
		application.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrApplicationNotFound):
		application.CreatedAt = now
	default:
		return err
	}

	encoded, err := json.Marshal(application)
	if err != nil {
		return fmt.Errorf("encode application %s: %w", application.Name, err)
	}

	if err := r.settings.Set(ctx, applicationKey(application.Name), string(encoded)); err != nil {
		return fmt.Errorf("store application %s: %w", application.Name, err)
	}

	if err := r.client.SAdd(ctx, applicationIndexKey, application.Name).Err(); err != nil {
		return fmt.Errorf("index application %s: %w", application.Name, err)
	}

	log.Info().Str("application", application.Name).Str("namespace", application.Namespace()).Msg("Registered application")

	return nil
}

func (r *Registry) Get(ctx context.Context, name string) (*Application, error) {
	encoded, err := r.settings.Get(ctx, applicationKey(name))
	if err != nil {
		if errors.Is(err, store.NotFound{}) || errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, name)
		}
		return nil, fmt.Errorf("load application %s: %w", name, err)
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, name)
	}

	var application Application
	if err := json.Unmarshal([]byte(encoded), &application); err != nil {
		return nil, fmt.Errorf("decode application %s: %w", name, err)
	}

	// Compiles the filter for the returned copy
	if err := application.Validate(); err != nil {
		return nil, err
	}

	return &application, nil
}

func (r *Registry) List(ctx context.Context) ([]*Application, error) {
	names, err := r.client.SMembers(ctx, applicationIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	sort.Strings(names)

	applications := make([]*Application, 0, len(names))
	for _, name := range names {
		application, err := r.Get(ctx, name)
		if errors.Is(err, ErrApplicationNotFound) {
			log.Warn().Str("application", name).Msg("Application indexed but has no settings")
			continue
		}
		if err != nil {
			return nil, err
		}

		applications = append(applications, application)
	}

	return applications, nil
}

func (r *Registry) Remove(ctx context.Context, name string) error {
	if _, err := r.Get(ctx, name); err != nil && !errors.Is(err, ErrApplicationNotFound) {
		return err
	}

	removed, err := r.client.SRem(ctx, applicationIndexKey, name).Result()
	if err != nil {
		return fmt.Errorf("unindex application %s: %w", name, err)
	}

	if err := r.settings.Delete(ctx, applicationKey(name)); err != nil {
		return fmt.Errorf("delete application %s: %w", name, err)
	}

	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrApplicationNotFound, name)
	}

	log.Info().Str("application", name).Msg("Removed application")

	return nil
}

// Update merges the non-empty fields of patch onto the stored application
func (r *Registry) Update(ctx context.Context, name string, patch *Application) (*Application, error) {
	application, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if err := copier.CopyWithOption(application, patch, copier.Option{IgnoreEmpty: true}); err != nil {
		return nil, fmt.Errorf("merge application %s: %w", name, err)
	}
	application.Name = name

	if err := r.Register(ctx, application); err != nil {
		return nil, err
	}

	return application, nil
}
