package daemon

import (
	"log/slog"
	"net/http"

	_ "net/http/pprof"
)

// startPprof serves the stdlib pprof handlers on addr when set. The blank
// import above registers them on http.DefaultServeMux.
func startPprof(addr string) {
	if addr == "" {
		return
	}
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			slog.Info("pprof server stopped", "addr", addr, "err", err)
		}
	}()
}
