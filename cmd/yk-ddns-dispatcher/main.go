// Command yk-ddns-dispatcher installs and controls the yk-ddns agent as a
// systemd service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yuriy-kovalchuk/yk-ddns/internal/service"
)

var Version = "dev"

// dialFunc is replaced in tests.
var dialFunc = service.Dial

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("YK_DDNS_DISPATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "yk-ddns-dispatcher",
		Short:         "Manage the yk-ddns systemd service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetOutput(cmd.ErrOrStderr())
			log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
			if v.GetBool("verbose") {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.InfoLevel)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String("unit-name", service.DefaultUnitName, "systemd unit name")
	flags.String("unit-dir", service.DefaultUnitDir, "directory unit files are written to")
	flags.BoolP("verbose", "v", false, "log D-Bus calls")

	install := &cobra.Command{
		Use:   "install",
		Short: "Write, enable and start the unit",
		Args:  cobra.NoArgs,
		RunE: withManager(v, func(ctx context.Context, cmd *cobra.Command, m *service.Manager) error {
			exec, err := execPath(v.GetString("exec"))
			if err != nil {
				return err
			}
			cfg := v.GetString("config")
			if cfg != "" {
				if cfg, err = filepath.Abs(cfg); err != nil {
					return err
				}
			}
			u := service.Unit{
				Name:       v.GetString("unit-name"),
				ExecStart:  exec,
				ConfigPath: cfg,
				User:       v.GetString("user"),
			}
			if err := m.Install(ctx, u); err != nil {
				return err
			}
			if v.GetBool("no-start") {
				return nil
			}
			return m.Start(ctx, u.Name)
		}),
	}
	install.Flags().String("exec", "", "agent binary (default: yk-ddns next to this executable)")
	install.Flags().String("config", "/etc/yk-ddns/config.toml", "configuration file passed to the agent")
	install.Flags().String("user", "", "user the agent runs as (default root)")
	install.Flags().Bool("no-start", false, "enable the unit without starting it")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable and remove the unit",
		Args:  cobra.NoArgs,
		RunE: withManager(v, func(ctx context.Context, cmd *cobra.Command, m *service.Manager) error {
			return m.Uninstall(ctx, v.GetString("unit-name"))
		}),
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the unit",
		Args:  cobra.NoArgs,
		RunE: withManager(v, func(ctx context.Context, cmd *cobra.Command, m *service.Manager) error {
			return m.Start(ctx, v.GetString("unit-name"))
		}),
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the unit",
		Args:  cobra.NoArgs,
		RunE: withManager(v, func(ctx context.Context, cmd *cobra.Command, m *service.Manager) error {
			return m.Stop(ctx, v.GetString("unit-name"))
		}),
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the unit state",
		Args:  cobra.NoArgs,
		RunE: withManager(v, func(ctx context.Context, cmd *cobra.Command, m *service.Manager) error {
			st, err := m.Status(ctx, v.GetString("unit-name"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		}),
	}

	root.AddCommand(install, uninstall, start, stopCmd, status)

	bindFlags(v, root.PersistentFlags())
	bindFlags(v, install.Flags())
	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			log.Fatalf("failed to bind --%s flag: %v", f.Name, err)
		}
	})
}

type managerFunc func(ctx context.Context, cmd *cobra.Command, m *service.Manager) error

// withManager connects to systemd for the duration of one command. A
// connection failure ends the command.
func withManager(v *viper.Viper, fn managerFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := dialFunc(ctx)
		if err != nil {
			return err
		}
		m := service.NewManager(log.WithField("component", "dispatcher"), conn, v.GetString("unit-dir"))
		defer m.Close()
		return fn(ctx, cmd, m)
	}
}

// execPath returns an absolute agent path, defaulting to the yk-ddns
// binary installed alongside the dispatcher.
func execPath(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating dispatcher binary: %w", err)
	}
	return filepath.Join(filepath.Dir(self), "yk-ddns"), nil
}
