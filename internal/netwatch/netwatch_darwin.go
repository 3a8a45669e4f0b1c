//go:build darwin

package netwatch

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"golang.org/x/net/route"
	"golang.org/x/sys/unix"
)

// New returns the routing socket source.
func New(log logr.Logger) Source {
	return newWatcher(log, "route-socket", subscribeRoutes(log))
}

func subscribeRoutes(log logr.Logger) subscribeFunc {
	return func(ctx context.Context, notify func()) error {
		fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
		if err != nil {
			return fmt.Errorf("open route socket: %w", err)
		}
		// Non-blocking so that Close from another goroutine interrupts Read.
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return fmt.Errorf("set route socket non-blocking: %w", err)
		}
		f := os.NewFile(uintptr(fd), "route")
		defer f.Close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				f.Close()
			case <-done:
			}
		}()

		log.Info("listening for routing socket messages")
		buf := make([]byte, os.Getpagesize())
		for {
			n, err := f.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("read route socket: %w", err)
			}
			msgs, err := route.ParseRIB(route.RIBTypeRoute, buf[:n])
			if err != nil {
				log.V(1).Info("skipping unparsable routing message", "error", err.Error())
				continue
			}
			if relevant(msgs) {
				notify()
			}
		}
	}
}

// relevant reports whether any message touches interface state, addresses
// or the default route. Host routes cloned for neighbours are ignored.
func relevant(msgs []route.Message) bool {
	for _, m := range msgs {
		switch m := m.(type) {
		case *route.InterfaceMessage, *route.InterfaceAddrMessage:
			return true
		case *route.RouteMessage:
			if m.Type != unix.RTM_ADD && m.Type != unix.RTM_DELETE && m.Type != unix.RTM_CHANGE {
				continue
			}
			if len(m.Addrs) > unix.RTAX_DST {
				if dst, ok := m.Addrs[unix.RTAX_DST].(*route.Inet4Addr); ok && dst.IP == [4]byte{} {
					return true
				}
			}
		}
	}
	return false
}
