package engine

import (
	"fmt"
	"net/netip"
	"time"
)

// State is the engine's position in a reconciliation pass.
type State int32

const (
	Idle State = iota
	Debouncing
	Resolving
	Comparing
	Updating
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Debouncing:
		return "Debouncing"
	case Resolving:
		return "Resolving"
	case Comparing:
		return "Comparing"
	case Updating:
		return "Updating"
	case Backoff:
		return "Backoff"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Outcome is how a pass ended.
type Outcome int

const (
	// OutcomeNoOp means the record already matched; nothing was written.
	OutcomeNoOp Outcome = iota
	// OutcomeUpdated means the record was rewritten.
	OutcomeUpdated
	// OutcomeResolutionFailed means the public address was unavailable.
	OutcomeResolutionFailed
	// OutcomeFailedTransient means retries were exhausted.
	OutcomeFailedTransient
	// OutcomeFailedPermanent means the provider rejected the request in a
	// way that needs a configuration fix.
	OutcomeFailedPermanent
	// OutcomeCanceled means shutdown interrupted the pass.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoOp:
		return "no-op"
	case OutcomeUpdated:
		return "updated"
	case OutcomeResolutionFailed:
		return "resolution-failed"
	case OutcomeFailedTransient:
		return "failed-transient"
	case OutcomeFailedPermanent:
		return "failed-permanent"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Trigger names what caused a pass to be scheduled.
type Trigger string

const (
	TriggerStartup Trigger = "startup"
	TriggerNetwork Trigger = "network"
	TriggerConfig  Trigger = "config"
	TriggerRefresh Trigger = "refresh"
)

// PassResult describes one finished reconciliation pass.
type PassResult struct {
	Outcome  Outcome
	Identity string     // zone/record the pass targeted
	Address  netip.Addr // resolved public address, invalid if resolution failed
	Previous netip.Addr // record content before the pass, invalid if unknown
	// Authoritative is set when the record was re-read from the provider
	// instead of trusting the last known value.
	Authoritative bool
	Attempts      int // update calls issued
	Err           error
	Duration      time.Duration
}

// lastApplied is what the engine believes the provider holds. It is only
// touched by the worker goroutine.
type lastApplied struct {
	identity string
	value    netip.Addr
	proxied  bool
	result   Outcome
}

func (l lastApplied) known(identity string) bool {
	return l.value.IsValid() && l.identity == identity
}
