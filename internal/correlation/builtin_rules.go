package correlation

import "time"

// BuiltinRules returns the default detection rules.
func BuiltinRules() []Rule {
	return []Rule{
		BruteForceRule(),
		MalwareDetectionRule(),
		UnauthorizedAccessRule(),
		FileIntegrityRule(),
		NetworkScanRule(),
	}
}

// BruteForceRule detects repeated failed logins.
func BruteForceRule() Rule {
	return Rule{
		ID:          "brute_force",
		Name:        "Brute Force Attack",
		Description: "Multiple failed login attempts within five minutes",
		Pattern:     "Failed login attempt",
		Match:       MatchRegex,
		Field:       FieldMessage,
		Threshold:   5,
		Window:      300 * time.Second,
		Severity:    SeverityHigh,
		Enabled:     true,
		Tags:        []string{"authentication", "brute-force"},
	}
}

// MalwareDetectionRule fires on any malware signature report.
func MalwareDetectionRule() Rule {
	return Rule{
		ID:          "malware_detection",
		Name:        "Malware Detection",
		Description: "Malware, virus, trojan or ransomware reported by an agent",
		Pattern:     "(virus|malware|trojan|ransomware)",
		Match:       MatchRegex,
		Field:       FieldMessage,
		Threshold:   1,
		Window:      60 * time.Second,
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"malware"},
	}
}

// UnauthorizedAccessRule detects repeated unauthorized access attempts.
func UnauthorizedAccessRule() Rule {
	return Rule{
		ID:          "unauthorized_access",
		Name:        "Unauthorized Access",
		Description: "Repeated unauthorized access attempts within three minutes",
		Pattern:     "Unauthorized access attempt",
		Match:       MatchRegex,
		Field:       FieldMessage,
		Threshold:   3,
		Window:      180 * time.Second,
		Severity:    SeverityHigh,
		Enabled:     true,
		Tags:        []string{"access-control"},
	}
}

// FileIntegrityRule fires on unauthorized file modification.
func FileIntegrityRule() Rule {
	return Rule{
		ID:          "file_integrity",
		Name:        "File Integrity Violation",
		Description: "File modified without authorization",
		Pattern:     "File modified without authorization",
		Match:       MatchRegex,
		Field:       FieldMessage,
		Threshold:   1,
		Window:      60 * time.Second,
		Severity:    SeverityMedium,
		Enabled:     true,
		Tags:        []string{"integrity"},
	}
}

// NetworkScanRule detects port scanning bursts.
func NetworkScanRule() Rule {
	return Rule{
		ID:          "network_scan",
		Name:        "Network Scan",
		Description: "Ten or more port scan detections within one minute",
		Pattern:     "Port scan detected",
		Match:       MatchRegex,
		Field:       FieldMessage,
		Threshold:   10,
		Window:      60 * time.Second,
		Severity:    SeverityMedium,
		Enabled:     true,
		Tags:        []string{"network", "reconnaissance"},
	}
}
