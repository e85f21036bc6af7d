package ws

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies a transport error into the retry policy it falls under.
type Kind int

const (
	KindNone Kind = iota
	// KindAuth is terminal: the session must re-authenticate.
	KindAuth
	// KindTimeout is transient; the next attempt uses a longer timeout.
	KindTimeout
	// KindUnreachable is transient, subject to standard backoff.
	KindUnreachable
	// KindRateLimited triggers a self-imposed cooldown.
	KindRateLimited
	// KindExhausted means the retry ceiling was hit.
	KindExhausted
	// KindGeneric is unclassified but still retried.
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindRateLimited:
		return "rate-limited"
	case KindExhausted:
		return "exhausted"
	default:
		return "generic"
	}
}

// ConnError is the typed connection error surfaced to callers; transport
// errors never escape the client as anything else.
type ConnError struct {
	Kind Kind
	Msg  string
}

func (e *ConnError) Error() string {
	return "connection error (" + e.Kind.String() + "): " + e.Msg
}

var (
	authSubstrings        = []string{"authentication required", "jwt token required", "unauthorized"}
	timeoutSubstrings     = []string{"timeout", "etimedout"}
	unreachableSubstrings = []string{"econnrefused", "enotfound"}
	rateLimitSubstrings   = []string{"too many events"}
)

// Classify maps a transport error onto a Kind by case-insensitive substring
// matching of known server and OS error messages.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	match := func(subs []string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}

	switch {
	case match(authSubstrings):
		return KindAuth
	case match(rateLimitSubstrings):
		return KindRateLimited
	case match(timeoutSubstrings):
		return KindTimeout
	case match(unreachableSubstrings):
		return KindUnreachable
	default:
		return KindGeneric
	}
}
