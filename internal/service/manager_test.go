package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type fakeConn struct {
	mu        sync.Mutex
	calls     []string
	props     map[string]interface{}
	jobResult string
	dialErr   error
	stopErr   error
	closed    bool
}

func (f *fakeConn) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeConn) ReloadContext(ctx context.Context) error {
	f.record("reload")
	return f.dialErr
}

func (f *fakeConn) EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []sddbus.EnableUnitFileChange, error) {
	f.record("enable " + filepath.Base(files[0]))
	return false, []sddbus.EnableUnitFileChange{{Type: "symlink", Filename: "/etc/systemd/system/multi-user.target.wants/" + filepath.Base(files[0]), Destination: files[0]}}, nil
}

func (f *fakeConn) DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]sddbus.DisableUnitFileChange, error) {
	f.record("disable " + files[0])
	return nil, nil
}

func (f *fakeConn) StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	f.record("start " + name + " " + mode)
	ch <- f.jobResult
	return 1, nil
}

func (f *fakeConn) StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	f.record("stop " + name + " " + mode)
	if f.stopErr != nil {
		return 0, f.stopErr
	}
	ch <- f.jobResult
	return 2, nil
}

func (f *fakeConn) GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error) {
	f.record("status " + unit)
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.props, nil
}

func (f *fakeConn) Close() { f.closed = true }

var _ = Describe("Unit", func() {
	It("renders a systemd unit", func() {
		u := Unit{Name: DefaultUnitName, ExecStart: "/usr/local/bin/yk-ddns", ConfigPath: "/etc/yk-ddns/config.toml", User: "ddns"}
		data, err := u.Render()
		Expect(err).NotTo(HaveOccurred())

		text := string(data)
		Expect(text).To(ContainSubstring("[Unit]"))
		Expect(text).To(ContainSubstring("After=network-online.target"))
		Expect(text).To(ContainSubstring("Wants=network-online.target"))
		Expect(text).To(ContainSubstring("ExecStart=/usr/local/bin/yk-ddns --config /etc/yk-ddns/config.toml"))
		Expect(text).To(ContainSubstring("Restart=on-failure"))
		Expect(text).To(ContainSubstring("User=ddns"))
		Expect(text).To(ContainSubstring("WantedBy=multi-user.target"))
	})

	It("round-trips through ParseUnit", func() {
		u := Unit{Name: DefaultUnitName, Description: "ddns", ExecStart: "/usr/bin/yk-ddns", ConfigPath: "/etc/yk-ddns/config.toml"}
		data, err := u.Render()
		Expect(err).NotTo(HaveOccurred())

		got, err := ParseUnit(DefaultUnitName, bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(u))
	})

	It("quotes paths with spaces and specifiers", func() {
		u := Unit{Name: DefaultUnitName, ExecStart: "/opt/yk ddns/bin/yk-ddns", ConfigPath: "/srv/my configs/100%.toml"}
		data, err := u.Render()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`ExecStart="/opt/yk ddns/bin/yk-ddns" --config "/srv/my configs/100%%.toml"`))

		got, err := ParseUnit(DefaultUnitName, bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ExecStart).To(Equal(u.ExecStart))
		Expect(got.ConfigPath).To(Equal(u.ConfigPath))
	})

	DescribeTable("rejects invalid units",
		func(u Unit, msg string) {
			_, err := u.Render()
			Expect(err).To(MatchError(ContainSubstring(msg)))
		},
		Entry("missing name", Unit{ExecStart: "/bin/true"}, "missing required setting 'name'"),
		Entry("wrong suffix", Unit{Name: "yk-ddns", ExecStart: "/bin/true"}, "must end in .service"),
		Entry("path in name", Unit{Name: "a/b.service", ExecStart: "/bin/true"}, "must not contain"),
		Entry("missing exec", Unit{Name: DefaultUnitName}, "missing required setting 'exec'"),
		Entry("relative exec", Unit{Name: DefaultUnitName, ExecStart: "yk-ddns"}, "must be absolute"),
		Entry("line break in config", Unit{Name: DefaultUnitName, ExecStart: "/bin/true", ConfigPath: "/etc/a\nb.toml"}, "line breaks"),
	)
})

var _ = Describe("Manager", func() {
	var (
		conn *fakeConn
		mgr  *Manager
		dir  string
		hook *logtest.Hook
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		conn = &fakeConn{jobResult: "done", props: map[string]interface{}{
			"Description": "Cloudflare dynamic DNS agent",
			"LoadState":   "loaded",
			"ActiveState": "active",
			"SubState":    "running",
			"MainPID":     uint32(4242),
		}}
		var logger *logrus.Logger
		logger, hook = logtest.NewNullLogger()
		mgr = NewManager(logger, conn, dir)
	})

	Describe("Install", func() {
		It("writes the unit file, reloads and enables", func() {
			err := mgr.Install(ctx, Unit{Name: DefaultUnitName, ExecStart: "/usr/local/bin/yk-ddns"})
			Expect(err).NotTo(HaveOccurred())

			data, err := os.ReadFile(filepath.Join(dir, DefaultUnitName))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring("ExecStart=/usr/local/bin/yk-ddns"))
			Expect(conn.calls).To(Equal([]string{"reload", "enable " + DefaultUnitName}))
			Expect(hook.LastEntry().Message).To(Equal("unit enabled"))
		})

		It("writes nothing for an invalid unit", func() {
			err := mgr.Install(ctx, Unit{Name: DefaultUnitName})
			Expect(err).To(HaveOccurred())
			Expect(conn.calls).To(BeEmpty())
			Expect(filepath.Join(dir, DefaultUnitName)).NotTo(BeAnExistingFile())
		})

		It("fails when systemd is unreachable", func() {
			conn.dialErr = errors.New("dial unix /run/dbus/system_bus_socket: connect: no such file or directory")
			err := mgr.Install(ctx, Unit{Name: DefaultUnitName, ExecStart: "/usr/local/bin/yk-ddns"})
			Expect(err).To(MatchError(ContainSubstring("reloading systemd")))
		})
	})

	Describe("Start and Stop", func() {
		It("uses replace mode and succeeds on done", func() {
			Expect(mgr.Start(ctx, DefaultUnitName)).To(Succeed())
			Expect(mgr.Stop(ctx, DefaultUnitName)).To(Succeed())
			Expect(conn.calls).To(Equal([]string{
				"start " + DefaultUnitName + " replace",
				"stop " + DefaultUnitName + " replace",
			}))
		})

		It("reports failed job results", func() {
			conn.jobResult = "failed"
			err := mgr.Start(ctx, DefaultUnitName)

			var jobErr *JobError
			Expect(errors.As(err, &jobErr)).To(BeTrue())
			Expect(jobErr.Result).To(Equal("failed"))
			Expect(err).To(MatchError(`start yk-ddns.service: job finished with result "failed"`))
		})
	})

	Describe("Status", func() {
		It("reads unit properties", func() {
			st, err := mgr.Status(ctx, DefaultUnitName)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Loaded()).To(BeTrue())
			Expect(st.Active()).To(BeTrue())
			Expect(st.MainPID).To(Equal(uint32(4242)))
			Expect(st.String()).To(ContainSubstring("Active: active (running)"))
		})

		It("reports the installed command line", func() {
			u := Unit{Name: DefaultUnitName, ExecStart: "/usr/local/bin/yk-ddns", ConfigPath: "/etc/yk ddns/config.toml"}
			Expect(mgr.Install(ctx, u)).To(Succeed())

			st, err := mgr.Status(ctx, DefaultUnitName)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.ExecStart).To(Equal(u.ExecStart))
			Expect(st.ConfigPath).To(Equal(u.ConfigPath))
			Expect(st.String()).To(ContainSubstring("Config: /etc/yk ddns/config.toml"))
		})
	})

	Describe("Uninstall", func() {
		BeforeEach(func() {
			Expect(mgr.Install(ctx, Unit{Name: DefaultUnitName, ExecStart: "/usr/local/bin/yk-ddns"})).To(Succeed())
			conn.calls = nil
		})

		It("stops, disables, removes and reloads", func() {
			Expect(mgr.Uninstall(ctx, DefaultUnitName)).To(Succeed())
			Expect(conn.calls).To(Equal([]string{
				"status " + DefaultUnitName,
				"stop " + DefaultUnitName + " replace",
				"disable " + DefaultUnitName,
				"reload",
			}))
			Expect(filepath.Join(dir, DefaultUnitName)).NotTo(BeAnExistingFile())
		})

		It("skips stopping a unit systemd has not loaded", func() {
			conn.props = map[string]interface{}{"LoadState": "not-found", "ActiveState": "inactive"}
			Expect(mgr.Uninstall(ctx, DefaultUnitName)).To(Succeed())
			Expect(conn.calls).NotTo(ContainElement(HavePrefix("stop")))
		})

		It("tolerates a unit that vanished before stop", func() {
			conn.stopErr = godbus.Error{Name: noSuchUnit}
			Expect(mgr.Uninstall(ctx, DefaultUnitName)).To(Succeed())
		})
	})

	It("closes the connection", func() {
		mgr.Close()
		Expect(conn.closed).To(BeTrue())
	})
})
