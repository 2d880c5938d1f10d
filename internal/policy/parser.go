package policy

import (
	"regexp"
	"strings"
)

// separators splits a submitted line into pipeline/chain segments. It
// mirrors the separator set a shell would treat as command boundaries,
// without attempting to understand quoting.
var separators = regexp.MustCompile(`\s*(?:\|\||&&|[|;])\s*`)

// basenamePattern extracts the leading token of a segment, taking the
// substring after the final path separator when one is present.
var basenamePattern = regexp.MustCompile(`^(?:\S*/)?([^\s/]+)`)

// ParseCommand splits line into the ordered list of base command names
// it would submit to a shell. It is intentionally shell-approximate: it
// does not interpret quoting, so a quoted separator character is still
// treated as a boundary. This is a documented limitation, not a bug —
// policy patterns must be written defensively because a user with shell
// access can always construct input that defeats a superficial parser.
func ParseCommand(line string) []string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	segments := separators.Split(trimmed, -1)
	bases := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if base := extractBaseCommand(seg); base != "" {
			bases = append(bases, base)
		}
	}
	return bases
}

// extractBaseCommand strips leading NAME=VALUE environment assignments
// and a single leading "sudo " prefix, then returns the basename of
// whatever token remains.
func extractBaseCommand(segment string) string {
	fields := strings.Fields(segment)
	i := 0
	for i < len(fields) && isEnvAssignment(fields[i]) {
		i++
	}
	if i < len(fields) && fields[i] == "sudo" {
		i++
	}
	if i >= len(fields) {
		return ""
	}

	remainder := strings.Join(fields[i:], " ")
	m := basenamePattern.FindStringSubmatch(remainder)
	if m == nil {
		return ""
	}
	return m[1]
}

func isEnvAssignment(field string) bool {
	eq := strings.Index(field, "=")
	if eq <= 0 {
		return false
	}
	name := field[:eq]
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
