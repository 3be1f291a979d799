// Package startup checks the loaded configuration and its environment
// before the service starts serving.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"time"

	"siem-correlator/internal/config"
	"siem-correlator/internal/correlation"
)

// Status grades one check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

var statusNames = [...]string{"OK", "WARNING", "ERROR", "SKIPPED"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// DiagnosticResult is the outcome of one check.
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Diagnostics collects check results for one configuration.
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger

	checkPorts bool
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDiagnostics returns a runner with port checks off; the running
// service binds those ports itself.
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:    cfg,
		logger: logger,
		dial:   (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
	}
}

// WithPortChecks makes RunAll try to bind the listen addresses.
func (d *Diagnostics) WithPortChecks() *Diagnostics {
	d.checkPorts = true
	return d
}

// RunAll discards earlier results, runs every check and logs a summary.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.results = nil
	d.logger.Info("running startup diagnostics")

	d.checkRuntime()
	d.checkConfiguration()
	d.checkRules()
	if d.checkPorts {
		d.checkListenPorts()
	}
	d.checkSecurity()
	d.checkModules()
	d.checkDependencies(ctx)

	d.logSummary()
	return d.results
}

// report records a result; kv are detail key/value pairs.
func (d *Diagnostics) report(name string, s Status, msg string, kv ...string) {
	r := DiagnosticResult{Name: name, Status: s, Message: msg}
	attrs := []any{"check", name, "status", s.String()}
	if msg != "" {
		attrs = append(attrs, "message", msg)
	}
	if len(kv) > 0 {
		r.Details = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			r.Details[kv[i]] = kv[i+1]
			attrs = append(attrs, kv[i], kv[i+1])
		}
	}
	d.results = append(d.results, r)

	level, text := slog.LevelInfo, "diagnostic check passed"
	switch s {
	case StatusWarning:
		level, text = slog.LevelWarn, "diagnostic check warning"
	case StatusError:
		level, text = slog.LevelError, "diagnostic check failed"
	case StatusSkipped:
		level, text = slog.LevelDebug, "diagnostic check skipped"
	}
	d.logger.Log(context.Background(), level, text, attrs...)
}

func (d *Diagnostics) checkRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	d.report("runtime", StatusOK, "",
		"go_version", runtime.Version(),
		"platform", runtime.GOOS+"/"+runtime.GOARCH,
		"cpus", strconv.Itoa(runtime.NumCPU()),
		"sys_mb", strconv.FormatFloat(float64(mem.Sys)/(1<<20), 'f', 1, 64),
	)
}

func (d *Diagnostics) checkConfiguration() {
	if err := d.cfg.Validate(); err != nil {
		d.report("config_validation", StatusError, "invalid configuration: "+err.Error())
		return
	}
	d.report("config_validation", StatusOK, "configuration is valid")
}

// checkRules loads and validates the rule files without touching the
// registry the engine will use.
func (d *Diagnostics) checkRules() {
	path := d.cfg.Engine.RulesPath
	if path == "" {
		d.report("rules", StatusSkipped, "no rules_path configured")
		return
	}

	rules, err := correlation.LoadRulesPath(path)
	if err == nil {
		err = correlation.NewRegistry(correlation.DefaultRegistryConfig()).Validate(rules)
	}
	switch {
	case err != nil:
		d.report("rules", StatusError, err.Error(), "path", path)
	case len(rules) == 0 && !d.cfg.Engine.BuiltinRules:
		d.report("rules", StatusWarning, "no rules defined", "path", path)
	default:
		d.report("rules", StatusOK, "rules loaded", "path", path, "count", strconv.Itoa(len(rules)))
	}
}

func (d *Diagnostics) checkListenPorts() {
	addrs := map[string]string{"port_http": fmt.Sprintf(":%d", d.cfg.Server.HTTPPort)}
	if d.cfg.Ingest.TCP.Enabled {
		addrs["port_tcp_ingest"] = d.cfg.Ingest.TCP.Address
	}

	for _, name := range []string{"port_http", "port_tcp_ingest"} {
		addr, ok := addrs[name]
		if !ok {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			d.report(name, StatusError, "address unavailable: "+err.Error(), "address", addr)
			continue
		}
		ln.Close()
		d.report(name, StatusOK, "", "address", addr)
	}
}

func (d *Diagnostics) checkSecurity() {
	if d.cfg.Auth.Enabled {
		d.report("auth", StatusOK, "API key authentication enabled")
	} else {
		d.report("auth", StatusWarning, "authentication is disabled", "recommendation", "set auth.enabled=true")
	}

	if tcp := d.cfg.Ingest.TCP; tcp.Enabled {
		switch {
		case !tcp.TLSEnabled:
			d.report("tcp_tls", StatusWarning, "TCP intake is running without TLS")
		case !fileExists(tcp.TLSCertFile) || !fileExists(tcp.TLSKeyFile):
			d.report("tcp_tls", StatusError, "TLS enabled but certificate files missing",
				"cert_file", tcp.TLSCertFile, "key_file", tcp.TLSKeyFile)
		default:
			d.report("tcp_tls", StatusOK, "")
		}
	}

	if rl := d.cfg.RateLimit; rl.Enabled {
		d.report("rate_limiting", StatusOK, "",
			"requests_per_ip", strconv.Itoa(rl.RequestsPerIP), "window", rl.WindowSize.String())
	} else {
		d.report("rate_limiting", StatusWarning, "rate limiting is disabled")
	}
}

func (d *Diagnostics) checkModules() {
	c := d.cfg
	modules := []struct {
		name string
		on   bool
	}{
		{"tcp_ingest", c.Ingest.TCP.Enabled},
		{"kafka_source", c.Sources.Kafka.Enabled},
		{"nats_source", c.Sources.NATS.Enabled},
		{"generator", c.Sources.Generator.Enabled},
		{"builtin_rules", c.Engine.BuiltinRules},
		{"log_notifier", c.Notify.Log},
		{"webhooks", len(c.Notify.Webhooks) > 0},
		{"redis_notifier", c.Notify.Redis.Enabled},
		{"kafka_notifier", c.Notify.Kafka.Enabled},
		{"clickhouse_archive", c.Notify.ClickHouse.Enabled},
	}

	on := 0
	for _, m := range modules {
		if m.on {
			on++
			d.report("module_"+m.name, StatusOK, "enabled")
		} else {
			d.report("module_"+m.name, StatusSkipped, "disabled")
		}
	}
	d.logger.Info("modules summary", "enabled", on, "total", len(modules))
}

// dependency is a network service the configuration points at; an empty
// addr means it is enabled without an address.
type dependency struct {
	name, addr string
}

func (d *Diagnostics) dependencies() []dependency {
	head := func(s []string) string {
		if len(s) == 0 {
			return ""
		}
		return s[0]
	}

	c := d.cfg
	var deps []dependency
	if c.Notify.ClickHouse.Enabled {
		deps = append(deps, dependency{"clickhouse", head(c.Notify.ClickHouse.Hosts)})
	}
	if c.Notify.Redis.Enabled {
		deps = append(deps, dependency{"redis", c.Notify.Redis.Addr})
	}
	if c.Notify.Kafka.Enabled {
		deps = append(deps, dependency{"kafka_notifier", head(c.Notify.Kafka.Brokers)})
	}
	if c.Sources.Kafka.Enabled {
		deps = append(deps, dependency{"kafka_source", head(c.Sources.Kafka.Brokers)})
	}
	if c.Sources.NATS.Enabled {
		deps = append(deps, dependency{"nats", natsAddr(c.Sources.NATS.URL)})
	}
	return deps
}

// checkDependencies opens and closes a TCP connection to each dependency.
func (d *Diagnostics) checkDependencies(ctx context.Context) {
	for _, dep := range d.dependencies() {
		name := dep.name + "_connectivity"
		if dep.addr == "" {
			d.report(name, StatusError, "no address configured")
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := d.dial(dialCtx, "tcp", dep.addr)
		cancel()
		if err != nil {
			d.report(name, StatusError, "cannot connect: "+err.Error(), "addr", dep.addr)
			continue
		}
		conn.Close()
		d.report(name, StatusOK, "reachable", "addr", dep.addr)
	}
}

// natsAddr returns host:port for a nats:// URL, defaulting the port.
func natsAddr(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), "4222")
	}
	return u.Host
}

func (d *Diagnostics) count(s Status) int {
	n := 0
	for _, r := range d.results {
		if r.Status == s {
			n++
		}
	}
	return n
}

func (d *Diagnostics) logSummary() {
	errs, warnings := d.count(StatusError), d.count(StatusWarning)
	d.logger.Info("diagnostics summary",
		"passed", d.count(StatusOK),
		"warnings", warnings,
		"errors", errs,
		"skipped", d.count(StatusSkipped),
	)
	switch {
	case errs > 0:
		d.logger.Error("startup diagnostics found errors; the service may not function correctly")
	case warnings > 0:
		d.logger.Warn("startup diagnostics found warnings; review before production use")
	}
}

// HasErrors reports whether the last run had a failed check.
func (d *Diagnostics) HasErrors() bool { return d.count(StatusError) > 0 }

// HasWarnings reports whether the last run had a warning.
func (d *Diagnostics) HasWarnings() bool { return d.count(StatusWarning) > 0 }

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
