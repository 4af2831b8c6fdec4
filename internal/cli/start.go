package cli

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/milla-ai/dispatch/internal/config"
	"github.com/milla-ai/dispatch/internal/daemon"
)

func newStartCmd() *cobra.Command {
	var (
		port        int
		foreground  bool
		intervalSec float64
		dev         bool
		autoRun     bool
		pprofAddr   string
		envFile     string
		dbDriver    string
		dbURL       string
		enableOtel  bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Dispatch daemon (HTTP API + outbox delivery loop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())
			port, intervalSec, err := resolveRuntimeConfig(cmd.Flags(), home, port, intervalSec)
			if err != nil {
				return err
			}

			opts := daemon.StartOptions{
				Home:        home,
				Port:        port,
				IntervalSec: intervalSec,
				Dev:         dev,
				AutoRun:     autoRun,
				PprofAddr:   pprofAddr,
				DBDriver:    dbDriver,
				DBURL:       dbURL,
				EnableOtel:  enableOtel,
			}

			api := (&url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", port)}).String()

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting Dispatch in foreground on %s\n", api)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Dispatch started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: %s\n", api)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 4810, "Port for the HTTP API")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().Float64Var(&intervalSec, "interval", 5.0, "Outbox delivery pass interval (seconds)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().BoolVar(&autoRun, "auto-run", false, "Automatically run pending tasks whose approval gate is satisfied")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres; or set DATABASE_URL)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP/SSE/task/outbox instrumentation)")

	return cmd
}

// resolveRuntimeConfig reconciles the port and interval flags with config.yaml:
// a flag set on the command line wins, otherwise the loaded config applies.
func resolveRuntimeConfig(flags *pflag.FlagSet, home string, port int, intervalSec float64) (int, float64, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return 0, 0, err
	}
	if !flags.Changed("port") {
		port = cfg.Port
	}
	if !flags.Changed("interval") {
		intervalSec = cfg.IntervalSec
	}
	return port, intervalSec, nil
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}
