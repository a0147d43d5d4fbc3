// Package config loads the kernel's runtime configuration from environment
// variables, 12-factor style, plus optional regional compliance profiles
// (profile_loader.go) layered on top for jurisdiction-specific ceremony and
// networking policy.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds kernel server configuration.
type Config struct {
	Port     string
	LogLevel string

	AuthorityDBPath  string
	SnapshotDBPath   string
	PatternLogDBPath string

	SigningRootSecret string
	SigningKeyID      string

	ObservabilityEnabled  bool
	OTLPEndpoint          string
	ObservabilityEnv      string
	ObservabilitySampleRt float64

	ProfilesDir string
	ShadowMode  bool
}

// Load loads configuration from environment variables, falling back to
// development-friendly defaults for anything unset.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	authorityDB := os.Getenv("MEK_AUTHORITY_DB")
	if authorityDB == "" {
		authorityDB = "mek-authority.db"
	}

	snapshotDB := os.Getenv("MEK_SNAPSHOT_DB")
	if snapshotDB == "" {
		snapshotDB = "mek-snapshots.db"
	}

	patternLogDB := os.Getenv("MEK_PATTERNLOG_DB")
	if patternLogDB == "" {
		patternLogDB = "mek-patternlog.db"
	}

	signingSecret := os.Getenv("MEK_SIGNING_ROOT_SECRET")
	signingKeyID := os.Getenv("MEK_SIGNING_KEY_ID")
	if signingKeyID == "" {
		signingKeyID = "epoch-0"
	}

	otlpEndpoint := os.Getenv("MEK_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	obsEnv := os.Getenv("MEK_ENVIRONMENT")
	if obsEnv == "" {
		obsEnv = "development"
	}

	sampleRate := 1.0
	if v := os.Getenv("MEK_OTEL_SAMPLE_RATE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			sampleRate = parsed
		}
	}

	profilesDir := os.Getenv("MEK_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "core/pkg/config/profiles"
	}

	shadowMode := os.Getenv("SHADOW_MODE") == "true"

	return &Config{
		Port:                  port,
		LogLevel:              logLevel,
		AuthorityDBPath:       authorityDB,
		SnapshotDBPath:        snapshotDB,
		PatternLogDBPath:      patternLogDB,
		SigningRootSecret:     signingSecret,
		SigningKeyID:          signingKeyID,
		ObservabilityEnabled:  os.Getenv("MEK_OTEL_DISABLED") != "true",
		OTLPEndpoint:          otlpEndpoint,
		ObservabilityEnv:      obsEnv,
		ObservabilitySampleRt: sampleRate,
		ProfilesDir:           profilesDir,
		ShadowMode:            shadowMode,
	}
}

// GrantDefaultTTL is the default time-to-live applied to a grant issued
// without an explicit expiry, used by the issue-grant CLI/HTTP path.
const GrantDefaultTTL = 24 * time.Hour
