// Package logging builds the process slog handler and masks secrets in
// log output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a config level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// NewHandler returns a json or text handler writing to w that masks
// secrets (see maskAttr).
func NewHandler(w io.Writer, level, format string) (slog.Handler, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: maskAttr,
	}

	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// maskAttr is the ReplaceAttr hook. Built-in keys pass through; string
// and string-slice values under sensitive keys are masked; error values
// have embedded credentials masked.
func maskAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && (a.Key == slog.MessageKey || a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
		return a
	}

	sensitive := IsSensitiveField(a.Key)
	switch v := a.Value.Any().(type) {
	case string:
		if sensitive && v != "" {
			return slog.String(a.Key, MaskedValue)
		}
	case error:
		return slog.String(a.Key, MaskSecrets(v.Error()))
	case []string:
		if sensitive {
			masked := make([]string, len(v))
			for i := range masked {
				masked[i] = MaskedValue
			}
			return slog.Any(a.Key, masked)
		}
	}
	return a
}
