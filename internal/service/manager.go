package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Conn is the subset of the systemd D-Bus API the Manager uses.
// *sddbus.Conn satisfies it.
type Conn interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []sddbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]sddbus.DisableUnitFileChange, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	Close()
}

var _ Conn = (*sddbus.Conn)(nil)

// Dial connects to the system manager. Failure is not retried.
func Dial(ctx context.Context) (Conn, error) {
	conn, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd over D-Bus: %w", err)
	}
	return conn, nil
}

// JobError is returned when systemd finishes a job with a result other
// than "done".
type JobError struct {
	Op     string
	Unit   string
	Result string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: job finished with result %q", e.Op, e.Unit, e.Result)
}

// Status is a snapshot of a unit's runtime state.
type Status struct {
	Name        string
	Description string
	LoadState   string
	ActiveState string
	SubState    string
	MainPID     uint32
	Since       time.Time
	ExecStart   string // from the unit file, when it is readable
	ConfigPath  string
}

// Loaded reports whether systemd knows the unit.
func (s Status) Loaded() bool { return s.LoadState == "loaded" }

// Active reports whether the unit is running.
func (s Status) Active() bool { return s.ActiveState == "active" }

func (s Status) String() string {
	out := fmt.Sprintf("%s - %s\n   Loaded: %s\n   Active: %s (%s)", s.Name, s.Description, s.LoadState, s.ActiveState, s.SubState)
	if !s.Since.IsZero() {
		out += " since " + s.Since.Format(time.RFC1123)
	}
	if s.MainPID != 0 {
		out += fmt.Sprintf("\n Main PID: %d", s.MainPID)
	}
	if s.ExecStart != "" {
		out += "\n     Exec: " + s.ExecStart
	}
	if s.ConfigPath != "" {
		out += "\n   Config: " + s.ConfigPath
	}
	return out
}

// Manager performs unit lifecycle operations.
type Manager struct {
	log     logrus.FieldLogger
	conn    Conn
	unitDir string
}

// NewManager returns a Manager writing unit files into unitDir.
func NewManager(log logrus.FieldLogger, conn Conn, unitDir string) *Manager {
	if unitDir == "" {
		unitDir = DefaultUnitDir
	}
	return &Manager{log: log, conn: conn, unitDir: unitDir}
}

// UnitPath returns the file path for the named unit.
func (m *Manager) UnitPath(name string) string {
	return filepath.Join(m.unitDir, name)
}

// Install writes the unit file, reloads systemd and enables the unit.
func (m *Manager) Install(ctx context.Context, u Unit) error {
	data, err := u.Render()
	if err != nil {
		return err
	}
	path := m.UnitPath(u.Name)
	log := m.log.WithField("unit", u.Name)

	if err := writeUnitFile(path, data); err != nil {
		return err
	}
	log.WithField("path", path).Info("unit file written")

	if err := m.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	_, changes, err := m.conn.EnableUnitFilesContext(ctx, []string{path}, false, true)
	if err != nil {
		return fmt.Errorf("enabling %s: %w", u.Name, err)
	}
	for _, c := range changes {
		log.WithFields(logrus.Fields{"type": c.Type, "filename": c.Filename, "destination": c.Destination}).Debug("unit file change")
	}
	log.Info("unit enabled")
	return nil
}

// Uninstall stops and disables the unit, then removes its file. A unit
// systemd has not loaded is not stopped.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	log := m.log.WithField("unit", name)

	st, err := m.Status(ctx, name)
	if err != nil {
		return err
	}
	if st.Loaded() && st.ActiveState != "inactive" {
		if err := m.Stop(ctx, name); err != nil && !isNoSuchUnit(err) {
			return err
		}
	}

	if _, err := m.conn.DisableUnitFilesContext(ctx, []string{name}, false); err != nil && !isNoSuchUnit(err) {
		return fmt.Errorf("disabling %s: %w", name, err)
	}

	path := m.UnitPath(name)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	log.WithField("path", path).Info("unit file removed")

	if err := m.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	return nil
}

// Start starts the unit and waits for the job to finish.
func (m *Manager) Start(ctx context.Context, name string) error {
	return m.job(ctx, "start", name, m.conn.StartUnitContext)
}

// Stop stops the unit and waits for the job to finish.
func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.job(ctx, "stop", name, m.conn.StopUnitContext)
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (m *Manager) job(ctx context.Context, op, name string, fn jobFunc) error {
	done := make(chan string, 1)
	id, err := fn(ctx, name, "replace", done)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	m.log.WithFields(logrus.Fields{"unit": name, "job": id}).Debugf("%s job queued", op)

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", op, name, ctx.Err())
	case result := <-done:
		if result != "done" {
			return &JobError{Op: op, Unit: name, Result: result}
		}
	}
	m.log.WithField("unit", name).Infof("%s finished", op)
	return nil
}

// Status reads the unit's load and activation state.
func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	props, err := m.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return Status{}, fmt.Errorf("reading status of %s: %w", name, err)
	}
	st := Status{
		Name:        name,
		Description: stringProp(props, "Description"),
		LoadState:   stringProp(props, "LoadState"),
		ActiveState: stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
	}
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	if us, ok := props["ActiveEnterTimestamp"].(uint64); ok && us > 0 {
		st.Since = time.UnixMicro(int64(us))
	}

	if u, err := m.readUnit(name); err == nil {
		st.ExecStart, st.ConfigPath = u.ExecStart, u.ConfigPath
	} else if !errors.Is(err, fs.ErrNotExist) {
		m.log.WithField("unit", name).WithError(err).Warn("unit file unreadable")
	}
	return st, nil
}

func (m *Manager) readUnit(name string) (Unit, error) {
	f, err := os.Open(m.UnitPath(name))
	if err != nil {
		return Unit{}, err
	}
	defer f.Close()
	return ParseUnit(name, f)
}

// Close releases the D-Bus connection.
func (m *Manager) Close() { m.conn.Close() }

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

const noSuchUnit = "org.freedesktop.systemd1.NoSuchUnit"

func isNoSuchUnit(err error) bool {
	var v godbus.Error
	if errors.As(err, &v) {
		return v.Name == noSuchUnit
	}
	var p *godbus.Error
	return errors.As(err, &p) && p.Name == noSuchUnit
}
