// Package main provides the CLI entry point for socks5d, a combined
// SOCKS4/SOCKS4a/SOCKS5 proxy server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/socks5d/internal/config"
	"github.com/postalsys/socks5d/internal/logging"
	"github.com/postalsys/socks5d/internal/metrics"
	"github.com/postalsys/socks5d/internal/socks4"
	"github.com/postalsys/socks5d/internal/socks5"
	"github.com/postalsys/socks5d/internal/socksproxy"
)

// Version is set at build time via ldflags.
var Version = "dev"

// exitError carries the process exit code the original Python
// implementation's argparse/sys.exit convention assigns: 2 for a bad
// argument, 1 for a bind/listen failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	rootCmd := &cobra.Command{
		Use:           "socks5d [PORT]",
		Short:         "socks5d - a SOCKS4/SOCKS4a/SOCKS5 proxy server",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	// -V/--version is handled by hand rather than cobra's built-in
	// Version field, since the spec pins the short flag to -V
	// (argparse's "-V, --version" action) rather than cobra's default.
	rootCmd.Flags().BoolP("version", "V", false, "print version and exit")
	rootCmd.Flags().StringP("bind", "b", "", "specify bind address [default: all interfaces]")
	rootCmd.Flags().StringP("config", "c", "", "path to a YAML configuration file")
	rootCmd.Flags().String("metrics-addr", "", "serve Prometheus /metrics on this address [default: disabled]")

	if err := rootCmd.Execute(); err != nil {
		if ee, ok := err.(*exitError); ok {
			fmt.Fprintf(os.Stderr, "%s: error: %s\n", rootCmd.Name(), ee.err)
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "%s: error: %s\n", rootCmd.Name(), err)
		os.Exit(2)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
		fmt.Printf("%s %s\n", cmd.Name(), Version)
		return nil
	}

	bind, _ := cmd.Flags().GetString("bind")
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddrFlag, _ := cmd.Flags().GetString("metrics-addr")

	port := 1080
	if len(args) == 1 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p < 1 || p > 0xFFFF {
			return &exitError{code: 2, err: fmt.Errorf("invalid port number: %s", args[0])}
		}
		port = p
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return &exitError{code: 2, err: err}
		}
		cfg = loaded
	}
	if bind != "" || len(args) == 1 {
		cfg.Server.Address = fmt.Sprintf("%s:%d", bind, port)
	}

	logger := logging.NewLogger(envOr(cfg.Log.Level), cfg.Log.Format)

	m := metrics.NewMetrics()

	authCfg := socks5.AuthConfig{
		Enabled:  cfg.Auth.Enabled,
		Required: cfg.Auth.Enabled,
		Logger:   logger.With(logging.KeyComponent, "socks5-auth"),
	}
	if cfg.Auth.Enabled {
		authCfg.HashedUsers = make(map[string]string)
		authCfg.Users = make(map[string]string)
		for _, u := range cfg.Auth.Users {
			if u.PasswordHash != "" {
				authCfg.HashedUsers[u.Username] = u.PasswordHash
			} else {
				authCfg.Users[u.Username] = u.Password
			}
		}
	}

	s5handler := socks5.NewHandler(socks5.CreateAuthenticators(authCfg), &socks5.DirectDialer{})
	s5handler.SetLogger(logger.With(logging.KeyComponent, "socks5"))
	s5handler.SetMetrics(m)

	s4handler := socks4.NewHandler(&socks4.DirectDialer{})
	s4handler.SetLogger(logger.With(logging.KeyComponent, "socks4"))

	metricsAddr := ""
	if cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Address
	}
	if metricsAddrFlag != "" {
		metricsAddr = metricsAddrFlag
	}

	dispatcher := socksproxy.New(socksproxy.Config{
		Address:              cfg.Server.Address,
		SOCKS4:               s4handler,
		SOCKS5:               s5handler,
		MetricsAddress:       metricsAddr,
		ConnectionsPerSecond: cfg.RateLimit.ConnectionsPerSecond,
		Burst:                cfg.RateLimit.Burst,
		Logger:               logger.With(logging.KeyComponent, "dispatcher"),
		Metrics:              m,
	})

	if err := dispatcher.Start(promhttp.Handler()); err != nil {
		return &exitError{code: 1, err: err}
	}

	fmt.Printf("Serving SOCKS on %s\n", dispatcher.Addr())
	if metricsAddr != "" {
		fmt.Printf("Serving metrics on http://%s/metrics\n", metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	if sig == syscall.SIGINT {
		fmt.Println("\nKeyboard interrupt received, exiting.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = dispatcher.Shutdown(ctx)

	if sig == syscall.SIGINT {
		os.Exit(130)
	}
	return nil
}

// envOr resolves the effective log level: a config value other than the
// default "warning" takes precedence over the SOCKS5D_LOG environment
// variable; otherwise SOCKS5D_LOG is used, falling back to "warning" when
// it is unset. A config level of "warning" is treated like the default,
// so SOCKS5D_LOG overrides it.
func envOr(configured string) string {
	if configured != "" && configured != "warning" {
		return configured
	}
	if v := logging.LevelFromEnv(); v != "" {
		return v
	}
	return configured
}
