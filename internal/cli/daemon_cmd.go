package cli

import (
	"github.com/spf13/cobra"

	"github.com/milla-ai/dispatch/internal/config"
	"github.com/milla-ai/dispatch/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var (
		port        int
		intervalSec float64
		dev         bool
		autoRun     bool
		pprofAddr   string
		dbDriver    string
		dbURL       string
		enableOtel  bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			port, intervalSec, err := resolveRuntimeConfig(cmd.Flags(), home, port, intervalSec)
			if err != nil {
				return err
			}
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:        home,
				Port:        port,
				IntervalSec: intervalSec,
				Dev:         dev,
				AutoRun:     autoRun,
				PprofAddr:   pprofAddr,
				DBDriver:    dbDriver,
				DBURL:       dbURL,
				EnableOtel:  enableOtel,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 4810, "Port for the HTTP API")
	cmd.Flags().Float64Var(&intervalSec, "interval", 5.0, "Outbox delivery pass interval (seconds)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().BoolVar(&autoRun, "auto-run", false, "Automatically run pending tasks")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
