//go:build windows

package netwatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sys/windows"
)

// New returns the IP Helper notification source.
func New(log logr.Logger) Source {
	return newWatcher(log, "iphlpapi", subscribeIPHelper(log))
}

// Callbacks created with windows.NewCallback are never released, so one is
// shared by every subscription and fans out to the registered targets.
var (
	callbackOnce sync.Once
	callback     uintptr

	targetsMu  sync.Mutex
	targets    = map[int]func(){}
	nextTarget int
)

func onChange(callerContext, row uintptr, notificationType uint32) uintptr {
	targetsMu.Lock()
	fns := make([]func(), 0, len(targets))
	for _, fn := range targets {
		fns = append(fns, fn)
	}
	targetsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return 0
}

func register(fn func()) int {
	targetsMu.Lock()
	defer targetsMu.Unlock()
	nextTarget++
	targets[nextTarget] = fn
	return nextTarget
}

func unregister(id int) {
	targetsMu.Lock()
	defer targetsMu.Unlock()
	delete(targets, id)
}

func subscribeIPHelper(log logr.Logger) subscribeFunc {
	return func(ctx context.Context, notify func()) error {
		callbackOnce.Do(func() { callback = windows.NewCallback(onChange) })

		id := register(notify)
		defer unregister(id)

		var ifaceHandle windows.Handle
		if err := windows.NotifyIpInterfaceChange(windows.AF_INET, callback, nil, false, &ifaceHandle); err != nil {
			return fmt.Errorf("NotifyIpInterfaceChange: %w", err)
		}
		defer windows.CancelMibChangeNotify2(ifaceHandle)

		var addrHandle windows.Handle
		if err := windows.NotifyUnicastIpAddressChange(windows.AF_INET, callback, nil, false, &addrHandle); err != nil {
			return fmt.Errorf("NotifyUnicastIpAddressChange: %w", err)
		}
		defer windows.CancelMibChangeNotify2(addrHandle)

		log.Info("listening for IP interface and address changes")
		<-ctx.Done()
		return ctx.Err()
	}
}
