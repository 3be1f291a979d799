// Package sanitize strips host details from error text before it is returned
// to API clients.
package sanitize

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// absolute paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+(?:/[a-zA-Z0-9_\-.]+)+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	credentialPattern = regexp.MustCompile(`(?i)(connection string|password=|secret=|token=|api[_-]?key=)`)
)

// Generic is returned in place of messages that cannot be safely trimmed.
const Generic = "internal error"

// String removes file system paths, masks IPv4 addresses down to their first
// two octets and replaces anything carrying credentials or a stack trace with
// Generic.
func String(s string) string {
	if credentialPattern.MatchString(s) {
		return Generic
	}
	if strings.Contains(s, "goroutine ") || strings.Count(s, "\n") > 3 {
		return Generic
	}

	s = filePathPattern.ReplaceAllStringFunc(s, filepath.Base)

	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})

	return s
}

// Error returns the sanitized message of err, or "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
