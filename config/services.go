package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeImportWorker runs the import task worker.
	ServiceModeImportWorker ServiceMode = "import-worker"
)

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeImportWorker:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, import-worker)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains import worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines pulling tasks. Each
	// worker processes one job's chunk loop sequentially.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// Lease is the per-task lease duration. Large files run for tens of
	// minutes, so the lease is refreshed at chunk boundaries.
	Lease time.Duration `env:"WORKER_LEASE" envDefault:"30m"`

	// MaxRetries is the number of dispatch-level attempts for a task before
	// it is marked failed.
	MaxRetries int `env:"WORKER_MAX_RETRIES" envDefault:"3"`

	// RetryDelay is the backoff applied when a task attempt fails.
	RetryDelay time.Duration `env:"WORKER_RETRY_DELAY" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.Lease < time.Second {
		w.Lease = time.Second
	}
	if w.MaxRetries < 0 {
		w.MaxRetries = 0
	}
	if w.RetryDelay < 0 {
		w.RetryDelay = 0
	}
}
