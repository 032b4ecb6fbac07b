// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Backend selects the kv store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendDynamo   Backend = "dynamo"
)

type Config struct {
	Port        string
	Backend     Backend
	DatabaseURL string
	AWSEndpoint string
	DynamoTable string
	CreateTable bool
}

// Load reads the configuration. STORE_BACKEND defaults to memory; postgres
// requires DATABASE_URL.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getenv("PORT", "8080"),
		Backend:     Backend(strings.ToLower(getenv("STORE_BACKEND", string(BackendMemory)))),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		AWSEndpoint: os.Getenv("AWS_ENDPOINT_URL"),
		DynamoTable: getenv("DYNAMO_TABLE", "a_ledger"),
		CreateTable: isTrue(os.Getenv("CREATE_TABLE")),
	}
	switch cfg.Backend {
	case BackendMemory, BackendDynamo:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Backend)
	}
	return cfg, nil
}

func getenv(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
