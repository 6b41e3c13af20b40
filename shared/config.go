package shared

import (
	"os"
	"strconv"
	"time"
)

// Helper functions for environment variable handling
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Config holds the externally supplied settings for the verification service.
// Nothing here is negotiated at runtime; the core consumes it as-is.
type Config struct {
	// Queue
	WorkerCount      int
	MaxAttempts      int
	BackoffBaseDelay time.Duration
	BackoffMaxDelay  time.Duration

	// Registry
	RegistryRPCEndpoint string
	RegistryAddress     string

	// Reference image store
	ImageCacheRoot   string
	ImageDownloadURL string
	DownloadTimeout  time.Duration
}

// LoadConfig reads the service configuration from the environment.
func LoadConfig() Config {
	return Config{
		WorkerCount:      GetEnvIntOrDefault("VERIFIER_WORKER_COUNT", 4),
		MaxAttempts:      GetEnvIntOrDefault("VERIFIER_MAX_ATTEMPTS", 5),
		BackoffBaseDelay: GetEnvDurationOrDefault("VERIFIER_BACKOFF_BASE_DELAY", 500*time.Millisecond),
		BackoffMaxDelay:  GetEnvDurationOrDefault("VERIFIER_BACKOFF_MAX_DELAY", 30*time.Second),

		RegistryRPCEndpoint: GetEnvOrDefault("REGISTRY_RPC_ENDPOINT", "https://rpc.phala.network"),
		RegistryAddress:     GetEnvOrDefault("REGISTRY_ADDRESS", ""),

		ImageCacheRoot:   GetEnvOrDefault("IMAGE_CACHE_ROOT", "/var/cache/dstack-images"),
		ImageDownloadURL: GetEnvOrDefault("IMAGE_DOWNLOAD_URL", "https://download.dstack.dev/images"),
		DownloadTimeout:  GetEnvDurationOrDefault("IMAGE_DOWNLOAD_TIMEOUT", 5*time.Minute),
	}
}
