package logging

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
)

const pprofAddr = "localhost:6060"

// startPprof serves the pprof handlers on loopback. Only called when
// PprofEnabled is set.
func startPprof() {
	go func() {
		l := ForComponent(CompMetrics)
		l.Info("pprof_server_start", slog.String("addr", pprofAddr))
		if err := http.ListenAndServe(pprofAddr, nil); err != nil {
			l.Error("pprof_server_error", slog.String("error", err.Error()))
		}
	}()
}
