package common

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/repoindex/repoindex/internal/common/config"
	"github.com/repoindex/repoindex/internal/common/health"
	"github.com/repoindex/repoindex/internal/common/logging"
)

const (
	DefaultConfigPath = "config/repoindex/config.yaml"
	EnvPrefix         = "REPOINDEX"
)

// LoadConfig reads the default config file, then userSpecifiedConfigs, then REPOINDEX_* environment variables.
func LoadConfig(cfg interface{}, defaultPath string, userSpecifiedConfigs []string) error {
	return config.Load(cfg, defaultPath, userSpecifiedConfigs, EnvPrefix)
}

func ConfigureLogging(format string, level string) {
	if err := logging.ConfigureLogging(format, level); err != nil {
		log.Fatalf("Invalid logging configuration: %v", err)
	}
}

// ServeMetrics serves prometheus metrics from the default registry on /metrics, and checker on /health.
func ServeMetrics(port uint16, checker health.Checker) (shutdown func()) {
	return ServeMetricsFor(port, prometheus.DefaultGatherer, checker)
}

func ServeMetricsFor(port uint16, gatherer prometheus.Gatherer, checker health.Checker) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if checker != nil {
		health.SetupHttpMux(mux, checker)
	}
	return ServeHttp(port, mux)
}

// ServeHttp starts an HTTP server listening on port and returns a function that shuts it down.
func ServeHttp(port uint16, mux http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Http server on %d failed: %v", port, err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Printf("Stopping http server listening on %d", port)
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("Failed to stop http server on %d: %v", port, err)
		}
	}
}
