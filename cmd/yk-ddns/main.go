package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/yuriy-kovalchuk/yk-ddns/internal/config"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/dns"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/dns/cloudflare"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/engine"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/netwatch"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/resolver"
)

var Version = "dev"

const envPrefix = "YK_DDNS"

func main() {
	opts := zap.Options{
		Development: true,
	}
	goflags := flag.NewFlagSet("zap", flag.ContinueOnError)
	opts.BindFlags(goflags)

	root := newRootCommand()
	root.PersistentFlags().AddGoFlagSet(goflags)
	root.PersistentPreRun = func(*cobra.Command, []string) {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	}

	if err := root.ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "yk-ddns",
		Short:         "Keep a Cloudflare A record pointed at this host's public address",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	root.PersistentFlags().String("config", defaultConfigPath(), "path to the configuration file (.toml, .yaml)")
	root.Flags().String("metrics-bind-address", ":9090", "address the metrics endpoint binds to, empty disables it")
	root.Flags().String("health-probe-bind-address", ":8081", "address the health probe endpoint binds to, empty disables it")
	root.Flags().Bool("once", false, "run a single reconciliation pass and exit")

	bindFlags(v, root.PersistentFlags())
	bindFlags(v, root.Flags())

	root.AddCommand(newInitConfigCommand(v), newVersionCommand())
	return root
}

// bindFlags lets every flag be set through a YK_DDNS_* environment
// variable. Explicit flags win over the environment.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(fmt.Sprintf("binding --%s: %v", f.Name, err))
		}
	})
}

func newInitConfigCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a commented default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := v.GetString("config")
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s, fill in the account and zone sections\n", path)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func defaultConfigPath() string {
	const system = "/etc/yk-ddns/config.toml"
	if _, err := os.Stat(system); err == nil {
		return system
	}
	return "config/config.toml"
}

func run(ctx context.Context, v *viper.Viper) error {
	log := ctrl.Log.WithName("setup")
	log.Info("starting yk-ddns", "version", Version)

	path := v.GetString("config")
	store, err := config.NewStore(ctrl.Log.WithName("config"), path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file %s not found, create one with 'yk-ddns init-config --config %s'", path, path)
	}
	if err != nil {
		return fmt.Errorf("unable to load configuration: %w", err)
	}
	log.Info("loaded configuration", "path", store.Path(), "record", store.Current().Identity())

	readiness := &readyObserver{}
	observers := engine.Observers{engine.LogObserver{Log: ctrl.Log.WithName("engine")}, readiness}
	metrics, err := engine.NewMetrics(ctrlmetrics.Registry)
	if err != nil {
		return fmt.Errorf("unable to register metrics: %w", err)
	}
	observers = append(observers, metrics)

	eng := engine.New(ctrl.Log.WithName("engine"), engine.Options{
		Config: store,
		Resolver: resolver.NewDynamic(ctrl.Log.WithName("resolver"), func() config.Resolver {
			return store.Current().Resolver
		}),
		NewProvider: newProvider,
		Network:     netwatch.New(ctrl.Log.WithName("netwatch")),
		Online:      func(ctx context.Context) bool { return netwatch.Online(ctx) },
		Observer:    observers,
	})

	if v.GetBool("once") {
		res := eng.RunOnce(ctx)
		switch res.Outcome {
		case engine.OutcomeNoOp, engine.OutcomeUpdated:
			return nil
		default:
			return fmt.Errorf("reconciliation %s: %w", res.Outcome, res.Err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return store.Watch(ctx) })
	g.Go(func() error { return eng.Run(ctx) })

	if addr := v.GetString("metrics-bind-address"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
		g.Go(func() error { return serve(ctx, "metrics", addr, mux) })
	}
	if addr := v.GetString("health-probe-bind-address"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/healthz/", http.StripPrefix("/healthz", &healthz.Handler{Checks: map[string]healthz.Checker{
			"ping": healthz.Ping,
		}}))
		mux.Handle("/readyz/", http.StripPrefix("/readyz", &healthz.Handler{Checks: map[string]healthz.Checker{
			"reconciled": readiness.Check,
		}}))
		mux.Handle("/healthz", http.RedirectHandler("/healthz/", http.StatusMovedPermanently))
		mux.Handle("/readyz", http.RedirectHandler("/readyz/", http.StatusMovedPermanently))
		g.Go(func() error { return serve(ctx, "health probe", addr, mux) })
	}

	log.Info("starting engine")
	if err := g.Wait(); err != nil {
		return fmt.Errorf("agent exited with error: %w", err)
	}
	return nil
}

func newProvider(cfg *config.Config) (dns.Provider, error) {
	client, err := cloudflare.New(ctrl.Log.WithName("dns-cloudflare"), cloudflare.Options{
		Email:          cfg.Account.Email,
		APIToken:       cfg.Account.APIToken,
		AuthKey:        cfg.Account.AuthKey,
		Timeout:        cfg.HTTP.Timeout.D(),
		MaxIdlePerHost: cfg.HTTP.MaxIdlePerHost,
		RateLimit:      cfg.HTTP.RateLimit,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func serve(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	ctrl.Log.WithName("setup").Info("serving "+name, "address", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// readyObserver reports ready once a pass has left the record correct.
type readyObserver struct {
	ok atomic.Bool
}

func (r *readyObserver) Transition(_, _ engine.State)               {}
func (r *readyObserver) ChangeReceived(engine.Trigger)              {}
func (r *readyObserver) ConfigRejected(error)                       {}
func (r *readyObserver) BackoffScheduled(int, time.Duration, error) {}

func (r *readyObserver) PassCompleted(res engine.PassResult) {
	switch res.Outcome {
	case engine.OutcomeNoOp, engine.OutcomeUpdated:
		r.ok.Store(true)
	}
}

func (r *readyObserver) Check(*http.Request) error {
	if !r.ok.Load() {
		return errors.New("no successful reconciliation yet")
	}
	return nil
}
