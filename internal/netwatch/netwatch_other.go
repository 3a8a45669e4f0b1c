//go:build !linux && !darwin && !windows

package netwatch

import (
	"time"

	"github.com/go-logr/logr"
)

// New falls back to polling where no notification API is wired up.
func New(log logr.Logger) Source {
	log.Info("no native network change notifications on this platform, polling", "interval", fallbackPoll)
	return NewPoller(fallbackPoll)
}

const fallbackPoll = 5 * time.Minute
