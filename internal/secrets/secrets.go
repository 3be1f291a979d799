// Package secrets resolves secret references in configuration values.
//
// A value of the form "env:NAME" is read from the environment and
// "file:/path" from a file (trailing newlines trimmed, as written by Docker
// and Kubernetes secret mounts). Any other value is used literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"siem-correlator/internal/config"
)

// ErrSecretNotFound is returned when a referenced secret does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Provider looks up secrets by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Get(_ context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// FileProvider reads secrets from files. Relative keys resolve against
// BaseDir.
type FileProvider struct {
	BaseDir string
}

func (FileProvider) Name() string { return "file" }

func (f FileProvider) Get(_ context.Context, key string) (string, error) {
	path := key
	if !filepath.IsAbs(path) && f.BaseDir != "" {
		path = filepath.Join(f.BaseDir, path)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Resolver dispatches references to providers by prefix.
type Resolver struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// NewResolver creates a resolver over the given providers. With none it
// uses EnvProvider and a FileProvider rooted at the working directory.
func NewResolver(logger *slog.Logger, providers ...Provider) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if len(providers) == 0 {
		providers = []Provider{EnvProvider{}, FileProvider{}}
	}
	r := &Resolver{providers: make(map[string]Provider, len(providers)), logger: logger}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// ParseRef splits a reference into provider name and key. Values without a
// known "name:" prefix are literals and return an empty provider.
func (r *Resolver) ParseRef(ref string) (provider, key string) {
	name, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", ref
	}
	if _, known := r.providers[name]; !known {
		return "", ref
	}
	return name, rest
}

// Resolve returns the secret value ref points at, or ref itself when it is
// a literal.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	name, key := r.ParseRef(ref)
	if name == "" {
		return ref, nil
	}
	if key == "" {
		return "", fmt.Errorf("%s: empty secret key", name)
	}

	value, err := r.providers[name].Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s:%s: %w", name, key, err)
	}
	r.logger.Debug("resolved secret", "provider", name, "key", key)
	return value, nil
}

// ResolveConfig replaces every credential field of cfg that holds a
// reference with the secret it names. All failures are reported together.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	var errs []error
	resolve := func(field string, v *string) {
		if *v == "" {
			return
		}
		value, err := r.Resolve(ctx, *v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*v = value
	}

	for i := range cfg.Auth.APIKeys {
		resolve(fmt.Sprintf("auth.api_keys[%d]", i), &cfg.Auth.APIKeys[i])
	}
	for i := range cfg.Notify.Webhooks {
		wh := &cfg.Notify.Webhooks[i]
		for name, value := range wh.Headers {
			resolve(fmt.Sprintf("notify.webhooks[%d].headers.%s", i, name), &value)
			wh.Headers[name] = value
		}
	}
	resolve("notify.redis.password", &cfg.Notify.Redis.Password)
	resolve("notify.kafka.sasl_password", &cfg.Notify.Kafka.SASLPassword)
	resolve("notify.clickhouse.password", &cfg.Notify.ClickHouse.Password)
	resolve("sources.kafka.sasl_password", &cfg.Sources.Kafka.SASLPassword)
	resolve("sources.nats.token", &cfg.Sources.NATS.Token)

	return errors.Join(errs...)
}
