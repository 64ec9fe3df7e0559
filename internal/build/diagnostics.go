package build

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

var (
	// main.go:12:5: undefined: foo
	// src/x.c:3:1: error: expected ';'
	locationPattern = regexp.MustCompile(`^([^\s:()]+\.[A-Za-z0-9]+):(\d+)(?::(\d+))?:\s*(?:(fatal error|error|warning|note|info)\s*:\s*)?(.+)$`)

	// src/app.ts(12,5): error TS2322: Type 'string' is not assignable
	tscPattern = regexp.MustCompile(`^([^\s()]+)\((\d+),(\d+)\):\s*(error|warning)\s+(TS\d+):\s*(.+)$`)

	// error[E0308]: mismatched types
	// warning: unused variable
	headerPattern = regexp.MustCompile(`^(?i)(error|warning)(?:\[([A-Za-z]*\d+)\])?:\s*(.+)$`)

	//   --> src/main.rs:4:18
	arrowPattern = regexp.MustCompile(`^\s*-->\s*([^\s:]+):(\d+):(\d+)`)
)

// noise lines that look like diagnostics but only summarize others
var summaryPrefixes = []string{
	"aborting due to",
	"could not compile",
}

// ParseDiagnostics extracts structured diagnostics from compiler output.
// Recognised shapes: file:line[:col]: [severity:] message (Go, gcc, clang),
// file(line,col): error TSxxxx: message (tsc), Rust headers followed by a
// --> location line, and bare "error: message" lines.
func ParseDiagnostics(output string) []domain.BuildError {
	var diags []domain.BuildError
	seen := make(map[string]bool)
	var pending *domain.BuildError

	add := func(d domain.BuildError) {
		key := d.String()
		if seen[key] {
			return
		}
		seen[key] = true
		diags = append(diags, d)
	}
	flush := func() {
		if pending != nil {
			add(*pending)
			pending = nil
		}
	}

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if m := arrowPattern.FindStringSubmatch(line); m != nil {
			if pending != nil && pending.File == "" {
				pending.File = m[1]
				pending.Line = atoi(m[2])
				pending.Column = atoi(m[3])
				flush()
			}
			continue
		}

		if m := tscPattern.FindStringSubmatch(trimmed); m != nil {
			flush()
			add(domain.BuildError{
				Severity: domain.ParseSeverity(m[4]),
				File:     m[1],
				Line:     atoi(m[2]),
				Column:   atoi(m[3]),
				Message:  m[5] + ": " + m[6],
			})
			continue
		}

		if m := locationPattern.FindStringSubmatch(trimmed); m != nil {
			flush()
			sev := domain.SeverityError
			switch strings.ToLower(m[4]) {
			case "warning":
				sev = domain.SeverityWarning
			case "note", "info":
				sev = domain.SeverityInfo
			}
			add(domain.BuildError{
				Severity: sev,
				File:     strings.TrimPrefix(m[1], "./"),
				Line:     atoi(m[2]),
				Column:   atoi(m[3]),
				Message:  strings.TrimSpace(m[5]),
			})
			continue
		}

		if m := headerPattern.FindStringSubmatch(trimmed); m != nil {
			flush()
			msg := strings.TrimSpace(m[3])
			if isSummary(msg) {
				continue
			}
			if m[2] != "" {
				msg = m[2] + ": " + msg
			}
			pending = &domain.BuildError{Severity: domain.ParseSeverity(m[1]), Message: msg}
			continue
		}
	}
	flush()
	return diags
}

func isSummary(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range summaryPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// tail returns the last n non-empty lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := strings.TrimSpace(strings.Join(lines, "\n"))
	if out == "" {
		return "(no output)"
	}
	return out
}
