package daemon

// StartOptions configures the daemon (home, port, outbox interval, DB, metrics).
type StartOptions struct {
	Home        string
	Port        int
	IntervalSec float64 // outbox delivery pass / task sweep interval
	Dev         bool
	PprofAddr   string
	AutoRun     bool   // sweep ready pending tasks and run them automatically
	DBDriver    string // "sqlite" (default) or "postgres"
	DBURL       string // for postgres: connection string (or DATABASE_URL env)
	EnableOtel  bool   // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE/task instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
