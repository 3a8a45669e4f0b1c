//go:build linux

package netwatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/godbus/dbus/v5"
)

const (
	nmBusName   = "org.freedesktop.NetworkManager"
	nmInterface = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
)

// New returns the NetworkManager D-Bus source.
func New(log logr.Logger) Source {
	return newWatcher(log, "networkmanager", subscribeNetworkManager(log))
}

func subscribeNetworkManager(log logr.Logger) subscribeFunc {
	return func(ctx context.Context, notify func()) error {
		conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("connect system bus: %w", err)
		}
		defer conn.Close()

		var running bool
		if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, nmBusName).Store(&running); err != nil {
			return fmt.Errorf("query %s owner: %w", nmBusName, err)
		}
		if !running {
			return fmt.Errorf("%s is not running", nmBusName)
		}

		if err := conn.AddMatchSignalContext(ctx,
			dbus.WithMatchObjectPath(nmPath),
			dbus.WithMatchInterface(nmInterface),
			dbus.WithMatchMember("StateChanged"),
		); err != nil {
			return fmt.Errorf("add StateChanged match: %w", err)
		}
		// A daemon restart drops our match rules on its side.
		if err := conn.AddMatchSignalContext(ctx,
			dbus.WithMatchInterface("org.freedesktop.DBus"),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchArg(0, nmBusName),
		); err != nil {
			return fmt.Errorf("add NameOwnerChanged match: %w", err)
		}

		signals := make(chan *dbus.Signal, 16)
		conn.Signal(signals)
		defer conn.RemoveSignal(signals)

		log.Info("listening for NetworkManager state changes")
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sig, ok := <-signals:
				if !ok {
					return errors.New("system bus connection closed")
				}
				if sig == nil {
					continue
				}
				switch sig.Name {
				case nmInterface + ".StateChanged":
					log.V(1).Info("network state changed", "state", sig.Body)
					notify()
				case "org.freedesktop.DBus.NameOwnerChanged":
					if len(sig.Body) == 3 {
						if owner, _ := sig.Body[2].(string); owner == "" {
							return fmt.Errorf("%s left the bus", nmBusName)
						}
					}
				}
			}
		}
	}
}
