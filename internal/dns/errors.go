package dns

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure by what the caller should do about it.
type Kind int

const (
	// KindTransient failures (timeouts, 5xx, rate limiting) may succeed on retry.
	KindTransient Kind = iota
	// KindAuth means the credentials were rejected.
	KindAuth
	// KindNotFound means the record does not exist in the zone.
	KindNotFound
	// KindPermanent covers everything else that needs a configuration fix,
	// such as a malformed zone identifier.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not-found"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Op         string // "read" or "update"
	StatusCode int    // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s record: %s error (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s record: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err. Unclassified errors are treated
// as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool { return err != nil && KindOf(err) == KindAuth }

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsPermanent reports whether err needs operator action before a retry can
// succeed. Auth and not-found failures are permanent too.
func IsPermanent(err error) bool { return err != nil && KindOf(err) != KindTransient }
