package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"siem-correlator/internal/config"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("SIEM_TEST_SECRET", "s3cret")

	got, err := EnvProvider{}.Get(context.Background(), "SIEM_TEST_SECRET")
	if err != nil || got != "s3cret" {
		t.Errorf("Get() = %q, %v, want s3cret", got, err)
	}

	if _, err := (EnvProvider{}).Get(context.Background(), "SIEM_TEST_SECRET_MISSING"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrSecretNotFound", err)
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "redis_password"), []byte("hunter2\r\n"), 0o600)

	tests := []struct {
		name    string
		p       FileProvider
		key     string
		want    string
		wantErr error
	}{
		{"absolute path", FileProvider{}, filepath.Join(dir, "redis_password"), "hunter2", nil},
		{"relative to base", FileProvider{BaseDir: dir}, "redis_password", "hunter2", nil},
		{"missing", FileProvider{BaseDir: dir}, "nope", "", ErrSecretNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.Get(context.Background(), tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Get() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Get() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseRef(t *testing.T) {
	r := NewResolver(nil)
	tests := []struct {
		ref          string
		wantProvider string
		wantKey      string
	}{
		{"plain", "", "plain"},
		{"env:KAFKA_PASSWORD", "env", "KAFKA_PASSWORD"},
		{"file:/run/secrets/ch", "file", "/run/secrets/ch"},
		{"Bearer abc:def", "", "Bearer abc:def"},
		{"vault:secret/x", "", "vault:secret/x"},
	}
	for _, tt := range tests {
		p, k := r.ParseRef(tt.ref)
		if p != tt.wantProvider || k != tt.wantKey {
			t.Errorf("ParseRef(%q) = (%q, %q), want (%q, %q)", tt.ref, p, k, tt.wantProvider, tt.wantKey)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("SIEM_TEST_TOKEN", "tok")
	r := NewResolver(nil)
	ctx := context.Background()

	if got, err := r.Resolve(ctx, "literal"); err != nil || got != "literal" {
		t.Errorf("Resolve(literal) = %q, %v", got, err)
	}
	if got, err := r.Resolve(ctx, "env:SIEM_TEST_TOKEN"); err != nil || got != "tok" {
		t.Errorf("Resolve(env) = %q, %v", got, err)
	}
	if _, err := r.Resolve(ctx, "env:"); err == nil {
		t.Error("Resolve(env:) should fail on an empty key")
	}
	if _, err := r.Resolve(ctx, "env:SIEM_TEST_UNSET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Resolve(unset) error = %v, want ErrSecretNotFound", err)
	}
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	chFile := filepath.Join(dir, "clickhouse")
	os.WriteFile(chFile, []byte("ch-pass\n"), 0o600)
	t.Setenv("SIEM_TEST_API_KEY", "key-from-env")
	t.Setenv("SIEM_TEST_HOOK_TOKEN", "Bearer hook")

	cfg := config.DefaultConfig()
	cfg.Auth.APIKeys = []string{"literal-key", "env:SIEM_TEST_API_KEY"}
	cfg.Notify.ClickHouse.Password = "file:" + chFile
	cfg.Notify.Webhooks = []config.WebhookConfig{{
		URL:     "https://hooks.example.com",
		Headers: map[string]string{"Authorization": "env:SIEM_TEST_HOOK_TOKEN"},
	}}

	if err := NewResolver(nil).ResolveConfig(context.Background(), cfg); err != nil {
		t.Fatalf("ResolveConfig() error = %v", err)
	}

	if got := cfg.Auth.APIKeys; got[0] != "literal-key" || got[1] != "key-from-env" {
		t.Errorf("APIKeys = %v", got)
	}
	if got := cfg.Notify.ClickHouse.Password; got != "ch-pass" {
		t.Errorf("ClickHouse.Password = %q, want ch-pass", got)
	}
	if got := cfg.Notify.Webhooks[0].Headers["Authorization"]; got != "Bearer hook" {
		t.Errorf("webhook header = %q, want Bearer hook", got)
	}
}

func TestResolveConfigReportsEveryFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Notify.Redis.Password = "env:SIEM_TEST_MISSING_A"
	cfg.Sources.NATS.Token = "file:/nonexistent/siem/token"

	err := NewResolver(nil).ResolveConfig(context.Background(), cfg)
	if err == nil {
		t.Fatal("ResolveConfig() error = nil, want failures")
	}
	for _, field := range []string{"notify.redis.password", "sources.nats.token"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not name %s", err, field)
		}
	}
	if cfg.Notify.Redis.Password != "env:SIEM_TEST_MISSING_A" {
		t.Error("failed reference was overwritten")
	}
}
