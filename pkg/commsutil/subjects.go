package commsutil

import "strings"

// Default COMMS subjects.
const (
	// SubjectRouter receives dispatcher requests.
	SubjectRouter = "cap.router.v1"
	// SubjectExecutedEvent receives every execution event.
	SubjectExecutedEvent = "router.executed"
)

// BuildExecutedSubject builds the per-domain execution event subject, e.g.
// "router.executed.issue" for "issue.view".
func BuildExecutedSubject(capabilityID string) string {
	domain, _, _ := strings.Cut(capabilityID, ".")
	if domain == "" {
		domain = "unknown"
	}
	return SubjectExecutedEvent + "." + sanitizeToken(domain)
}

// sanitizeToken replaces characters that NATS treats as subject syntax.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
