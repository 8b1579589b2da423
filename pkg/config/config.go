package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
)

type ContextKey string

const ContextID = ContextKey("id")

// Config is loaded from the environment once at process start and passed
// into the pipeline explicitly; nothing reads it as an ambient global.
type Config struct {
	EnableAuth             bool
	EnableURLFiltering     bool
	EnableFileSave         bool
	EnableGeneralTelemetry bool
	Debug                  bool

	CredentialsFile string
	AllowedPatterns []string
	TrustedNetworks []string

	ElasticURL      string
	ElasticUsername string
	ElasticPassword string
	ElasticInsecure bool
	ElasticTimeout  time.Duration

	DataDir      string
	SinkPoolSize int
	QueueSize    int
}

func Default() *Config {
	return &Config{
		CredentialsFile: "creds.txt",
		AllowedPatterns: []string{".*"},
		ElasticURL:      "http://localhost:9200/",
		ElasticTimeout:  10 * time.Second,
		DataDir:         "copilot_telemetry_data",
		SinkPoolSize:    25,
		QueueSize:       100,
	}
}

func boolEnv(name string) bool {
	return strings.ToLower(os.Getenv(name)) == "true"
}

func listEnv(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}

	var values []string
	for _, value := range strings.Split(raw, ",") {
		if value = strings.TrimSpace(value); value != "" {
			values = append(values, value)
		}
	}
	return values
}

func intEnv(name string) int {
	value, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return 0
	}
	return value
}

// FromEnv loads the environment-driven configuration and merges defaults
// into every field left unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		EnableAuth:             boolEnv("ENABLE_AUTH"),
		EnableURLFiltering:     boolEnv("ENABLE_URL_FILTERING"),
		EnableFileSave:         boolEnv("ENABLE_TELEMETRY_FILE_SAVE"),
		EnableGeneralTelemetry: boolEnv("ENABLE_GENERAL_TELEMETRY"),
		Debug:                  boolEnv("TAP_DEBUG"),

		CredentialsFile: os.Getenv("CREDENTIALS_FILE"),
		AllowedPatterns: listEnv("ALLOWED_URL_PATTERNS"),
		TrustedNetworks: listEnv("TRUSTED_NETWORKS"),

		ElasticURL:      os.Getenv("ELASTICSEARCH_URL"),
		ElasticUsername: os.Getenv("ELASTICSEARCH_USERNAME"),
		ElasticPassword: os.Getenv("ELASTICSEARCH_PASSWORD"),
		ElasticInsecure: boolEnv("ELASTICSEARCH_INSECURE"),

		DataDir:      os.Getenv("TELEMETRY_DATA_DIR"),
		SinkPoolSize: intEnv("SINK_POOL_SIZE"),
		QueueSize:    intEnv("PIPELINE_QUEUE_SIZE"),
	}

	if seconds := intEnv("ELASTICSEARCH_TIMEOUT_SECONDS"); seconds > 0 {
		cfg.ElasticTimeout = time.Duration(seconds) * time.Second
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, err
	}

	return cfg, nil
}
