package engine

import (
	"time"

	"github.com/go-logr/logr"
)

// Observer receives every state transition and pass outcome. Calls come
// from the engine's goroutines and must not block.
type Observer interface {
	Transition(from, to State)
	ChangeReceived(trigger Trigger)
	ConfigRejected(err error)
	BackoffScheduled(attempt int, delay time.Duration, err error)
	PassCompleted(result PassResult)
}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) Transition(from, to State) {
	for _, ob := range o {
		ob.Transition(from, to)
	}
}

func (o Observers) ChangeReceived(trigger Trigger) {
	for _, ob := range o {
		ob.ChangeReceived(trigger)
	}
}

func (o Observers) ConfigRejected(err error) {
	for _, ob := range o {
		ob.ConfigRejected(err)
	}
}

func (o Observers) BackoffScheduled(attempt int, delay time.Duration, err error) {
	for _, ob := range o {
		ob.BackoffScheduled(attempt, delay, err)
	}
}

func (o Observers) PassCompleted(result PassResult) {
	for _, ob := range o {
		ob.PassCompleted(result)
	}
}

// LogObserver writes one structured log line per event.
type LogObserver struct {
	Log logr.Logger
}

func (l LogObserver) Transition(from, to State) {
	l.Log.Info("state transition", "from", from.String(), "to", to.String())
}

func (l LogObserver) ChangeReceived(trigger Trigger) {
	l.Log.V(1).Info("change received", "trigger", string(trigger))
}

func (l LogObserver) ConfigRejected(err error) {
	l.Log.Error(err, "invalid configuration ignored, previous configuration still active")
}

func (l LogObserver) BackoffScheduled(attempt int, delay time.Duration, err error) {
	l.Log.Info("transient provider failure, backing off", "attempt", attempt, "delay", delay.String(), "error", err.Error())
}

func (l LogObserver) PassCompleted(r PassResult) {
	kv := []any{
		"outcome", r.Outcome.String(),
		"record", r.Identity,
		"authoritative", r.Authoritative,
		"attempts", r.Attempts,
		"duration", r.Duration.String(),
	}
	if r.Address.IsValid() {
		kv = append(kv, "address", r.Address.String())
	}
	if r.Previous.IsValid() {
		kv = append(kv, "previous", r.Previous.String())
	}

	switch r.Outcome {
	case OutcomeFailedPermanent:
		l.Log.Error(r.Err, "reconciliation failed permanently, fix the configuration to retry", kv...)
	case OutcomeFailedTransient:
		l.Log.Error(r.Err, "reconciliation failed after retries, waiting for the next change", kv...)
	case OutcomeResolutionFailed:
		l.Log.Info("public address unavailable, pass abandoned", append(kv, "error", errString(r.Err))...)
	case OutcomeUpdated:
		l.Log.Info("record updated", kv...)
	case OutcomeCanceled:
		l.Log.Info("reconciliation canceled", kv...)
	default:
		l.Log.Info("record up to date", kv...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
