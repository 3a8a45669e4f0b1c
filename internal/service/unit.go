// Package service installs and controls the agent as a systemd unit over
// the systemd D-Bus API.
package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

const (
	// DefaultUnitName is the unit the dispatcher manages unless told otherwise.
	DefaultUnitName = "yk-ddns.service"
	// DefaultUnitDir is where administrator-provided units live.
	DefaultUnitDir = "/etc/systemd/system"
)

// Unit describes the agent's service unit.
type Unit struct {
	Name        string
	Description string
	ExecStart   string // absolute path of the agent binary
	ConfigPath  string
	User        string // empty runs as root
}

// Validate reports the first missing or malformed field.
func (u Unit) Validate() error {
	switch {
	case u.Name == "":
		return errors.New("unit: missing required setting 'name'")
	case !strings.HasSuffix(u.Name, ".service"):
		return fmt.Errorf("unit: name %q must end in .service", u.Name)
	case strings.ContainsRune(u.Name, '/'):
		return fmt.Errorf("unit: name %q must not contain '/'", u.Name)
	case u.ExecStart == "":
		return errors.New("unit: missing required setting 'exec'")
	case !filepath.IsAbs(u.ExecStart):
		return fmt.Errorf("unit: exec path %q must be absolute", u.ExecStart)
	case strings.ContainsAny(u.ExecStart+u.ConfigPath, "\r\n"):
		return errors.New("unit: exec and config paths must not contain line breaks")
	}
	return nil
}

// Options returns the unit file sections.
func (u Unit) Options() []*unit.UnitOption {
	desc := u.Description
	if desc == "" {
		desc = "Cloudflare dynamic DNS agent"
	}
	args := []string{u.ExecStart}
	if u.ConfigPath != "" {
		args = append(args, "--config", u.ConfigPath)
	}
	exec := joinCommand(args)

	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", desc),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "ExecStart", exec),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "RestartSec", "5s"),
	}
	if u.User != "" {
		opts = append(opts, unit.NewUnitOption("Service", "User", u.User))
	}
	return append(opts, unit.NewUnitOption("Install", "WantedBy", "multi-user.target"))
}

// Render returns the unit file contents.
func (u Unit) Render() ([]byte, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return io.ReadAll(unit.Serialize(u.Options()))
}

// ParseUnit reads back a unit file written by Render.
func ParseUnit(name string, r io.Reader) (Unit, error) {
	opts, err := unit.Deserialize(r)
	if err != nil {
		return Unit{}, fmt.Errorf("parsing unit file: %w", err)
	}
	u := Unit{Name: name}
	for _, o := range opts {
		switch {
		case o.Section == "Unit" && o.Name == "Description":
			u.Description = o.Value
		case o.Section == "Service" && o.Name == "User":
			u.User = o.Value
		case o.Section == "Service" && o.Name == "ExecStart":
			args, err := splitCommand(o.Value)
			if err != nil {
				return Unit{}, fmt.Errorf("parsing unit file: ExecStart: %w", err)
			}
			if len(args) == 0 {
				continue
			}
			u.ExecStart = args[0]
			for i := 1; i < len(args)-1; i++ {
				if args[i] == "--config" {
					u.ConfigPath = args[i+1]
				}
			}
		}
	}
	return u, nil
}

// joinCommand renders args as an ExecStart command line. Arguments with
// whitespace, quotes or backslashes are double-quoted; '%' and '$' are
// doubled so systemd does not expand them.
func joinCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		a = strings.NewReplacer("%", "%%", "$", "$$").Replace(a)
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\") {
			a = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(a) + `"`
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}

// splitCommand is the inverse of joinCommand.
func splitCommand(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
			started = true
		case c == '"':
			inQuote = !inQuote
			started = true
		case (c == '%' || c == '$') && i+1 < len(line) && line[i+1] == c:
			i++
			cur.WriteByte(c)
			started = true
		case !inQuote && (c == ' ' || c == '\t'):
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote")
	}
	if started {
		args = append(args, cur.String())
	}
	return args, nil
}

func writeUnitFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating unit directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing unit file: %w", err)
	}
	return nil
}
