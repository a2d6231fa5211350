package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	LoomFile       string        // LOOM_FILE (default "loom.toml")
	MasterInterval time.Duration // LOOM_MASTER_INTERVAL (default 100ms)
	NATSURL        string        // LOOM_NATS_URL (optional, empty = no bus)
	DatabaseURL    string        // LOOM_DATABASE_URL (optional, empty = in-memory log)

	// Archive settings
	ArchiveInterval   time.Duration // LOOM_ARCHIVE_INTERVAL (default 3m; 0 = disabled)
	ArchiveS3Bucket   string        // LOOM_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // LOOM_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // LOOM_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string        // LOOM_ARCHIVE_S3_PREFIX (default "loom/archive")
}

func Load() (*Config, error) {
	c := &Config{
		LoomFile:          envOrDefault("LOOM_FILE", "loom.toml"),
		NATSURL:           os.Getenv("LOOM_NATS_URL"),
		DatabaseURL:       os.Getenv("LOOM_DATABASE_URL"),
		ArchiveS3Bucket:   os.Getenv("LOOM_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("LOOM_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("LOOM_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Prefix:   envOrDefault("LOOM_ARCHIVE_S3_PREFIX", "loom/archive"),
	}

	masterStr := envOrDefault("LOOM_MASTER_INTERVAL", "100ms")
	d, err := time.ParseDuration(masterStr)
	if err != nil {
		return nil, fmt.Errorf("LOOM_MASTER_INTERVAL: %w", err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("LOOM_MASTER_INTERVAL must be positive, got %s", masterStr)
	}
	c.MasterInterval = d

	intervalStr := envOrDefault("LOOM_ARCHIVE_INTERVAL", "3m")
	if intervalStr != "" {
		ad, err := time.ParseDuration(intervalStr)
		if err != nil {
			return nil, fmt.Errorf("LOOM_ARCHIVE_INTERVAL: %w", err)
		}
		c.ArchiveInterval = ad
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
