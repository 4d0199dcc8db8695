package config

import (
	"fmt"
	"os"
)

// Config is the process-wide configuration, built once at startup from the
// environment and passed to components explicitly. No component reads
// ambient environment state directly.
type Config struct {
	DatabaseURL       string
	HTTPListenAddr    string
	MetricsListenAddr string
	LogLevel          string
	ServiceName       string

	// External capability services.
	QuoteServiceURL       string
	MandateServiceURL     string
	SanctionsServiceURL   string
	ProcurementServiceURL string

	// Shared secret for inbound webhook signatures. Optional; when empty,
	// callback signatures are not enforced.
	WebhookSigningKey string

	// Document store (S3-compatible).
	DocstoreEndpoint  string
	DocstoreBucket    string
	DocstoreAccessKey string
	DocstoreSecretKey string

	// WorkerID identifies this process in instance leases.
	WorkerID string

	// PolicyFile points at the YAML engine policy. Optional; defaults apply.
	PolicyFile string
}

func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		HTTPListenAddr:        getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsListenAddr:     getEnv("METRICS_LISTEN_ADDR", ":9100"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		ServiceName:           getEnv("SERVICE_NAME", "onboarding"),
		QuoteServiceURL:       getEnv("QUOTE_SERVICE_URL", ""),
		MandateServiceURL:     getEnv("MANDATE_SERVICE_URL", ""),
		SanctionsServiceURL:   getEnv("SANCTIONS_SERVICE_URL", ""),
		ProcurementServiceURL: getEnv("PROCUREMENT_SERVICE_URL", ""),
		WebhookSigningKey:     getEnv("WEBHOOK_SIGNING_KEY", ""),
		DocstoreEndpoint:      getEnv("DOCSTORE_ENDPOINT", ""),
		DocstoreBucket:        getEnv("DOCSTORE_BUCKET", "onboarding-documents"),
		DocstoreAccessKey:     getEnv("DOCSTORE_ACCESS_KEY", ""),
		DocstoreSecretKey:     getEnv("DOCSTORE_SECRET_KEY", ""),
		WorkerID:              getEnv("WORKER_ID", hostname),
		PolicyFile:            getEnv("ENGINE_POLICY_FILE", ""),
	}

	return cfg, nil
}

// Validate checks that the configuration required for the given role is
// present. A missing endpoint or credential is fatal at startup, never a
// per-workflow error.
func (c *Config) Validate(role string) error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch role {
	case "worker":
		for name, v := range map[string]string{
			"QUOTE_SERVICE_URL":       c.QuoteServiceURL,
			"MANDATE_SERVICE_URL":     c.MandateServiceURL,
			"SANCTIONS_SERVICE_URL":   c.SanctionsServiceURL,
			"PROCUREMENT_SERVICE_URL": c.ProcurementServiceURL,
		} {
			if v == "" {
				return fmt.Errorf("%s is required for the worker", name)
			}
		}
		if c.WorkerID == "" {
			return fmt.Errorf("WORKER_ID is required for the worker")
		}
	case "api", "mcp-server":
		// Only the database is required; gateway endpoints belong to the worker.
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
