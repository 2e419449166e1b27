// Package errcode classifies raw transport failures into the router's closed error-code set.
package errcode

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

// Code is a canonical failure class.
type Code string

const (
	Auth               Code = "AUTH"
	NotFound           Code = "NOT_FOUND"
	Validation         Code = "VALIDATION"
	Network            Code = "NETWORK"
	RateLimit          Code = "RATE_LIMIT"
	Server             Code = "SERVER"
	AdapterUnsupported Code = "ADAPTER_UNSUPPORTED"
	Unknown            Code = "UNKNOWN"
)

// Codes lists every code in the set.
var Codes = []Code{Auth, NotFound, Validation, Network, RateLimit, Server, AdapterUnsupported, Unknown}

// Valid reports whether c belongs to the code set.
func (c Code) Valid() bool {
	for _, known := range Codes {
		if c == known {
			return true
		}
	}
	return false
}

// IsRetryable reports whether a failure with this code may succeed when retried.
func IsRetryable(c Code) bool {
	switch c {
	case Network, RateLimit, Server:
		return true
	}
	return false
}

// Classify maps any error to a code. Structured failures are matched first;
// anything else is classified from its message text.
func Classify(err error) Code {
	if err == nil {
		return Unknown
	}

	var f Failure
	if errors.As(err, &f) {
		return f.classify()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}

	return ClassifyMessage(err.Error())
}

var (
	authPattern       = regexp.MustCompile(`(?i)unauthori[sz]ed|forbidden|bad credentials|authentication|not authenticated|\b401\b|\b403\b`)
	rateLimitPattern  = regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b`)
	serverPattern     = regexp.MustCompile(`(?i)\b5\d{2}\b|internal server error|bad gateway|service unavailable`)
	networkPattern    = regexp.MustCompile(`(?i)econnreset|econnrefused|etimedout|enotfound|eai_again|connection (reset|refused)|network|timed? ?out|no such host|broken pipe`)
	notFoundPattern   = regexp.MustCompile(`(?i)not found|could not resolve to|\b404\b`)
	validationPattern = regexp.MustCompile(`(?i)invalid|validation|required|missing|must be|\b422\b`)
)

// ClassifyMessage is the best-effort fallback used when no structured failure
// is available. Order matters: earlier patterns win.
func ClassifyMessage(msg string) Code {
	msg = strings.TrimSpace(msg)
	switch {
	case msg == "":
		return Unknown
	case authPattern.MatchString(msg):
		return Auth
	case rateLimitPattern.MatchString(msg):
		return RateLimit
	case serverPattern.MatchString(msg):
		return Server
	case networkPattern.MatchString(msg):
		return Network
	case notFoundPattern.MatchString(msg):
		return NotFound
	case validationPattern.MatchString(msg):
		return Validation
	}
	return Unknown
}

// ClassifyStatus maps an HTTP status code. Statuses outside the error range map to Unknown.
func ClassifyStatus(status int) Code {
	switch {
	case status == 401 || status == 403:
		return Auth
	case status == 404:
		return NotFound
	case status == 400 || status == 422:
		return Validation
	case status == 429:
		return RateLimit
	case status == 408:
		return Network
	case status >= 500:
		return Server
	}
	return Unknown
}
