package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Reference     ReferenceConfig
	Share         ShareConfig
	Sweep         SweepConfig
	Observability ObservabilityConfig
	IsProduction  bool
}

type ServerConfig struct {
	BindAddress    string
	Port           string
	AllowOrigins   string
	TrustedProxies []string
}

type StorageConfig struct {
	// TenantsPath is the base directory; every subdirectory is one tenant
	// schema with its own folder and document databases.
	TenantsPath string
	// StorageID distinguishes this storage instance's expiry metadata keys
	// from those of other instances stamping the same store.
	StorageID string
	// ParentFolderName is the per-user folder share folders are created under.
	ParentFolderName string
	// MaxNameAttempts bounds the duplicate-name retry loop.
	MaxNameAttempts int
	// DefaultQuotaBytes is the per-user storage limit; -1 means unlimited.
	DefaultQuotaBytes int64
}

type ReferenceConfig struct {
	// Passphrase derives the process-wide key encrypting reference tokens.
	// This is tamper-resistance for header values, not secrecy.
	Passphrase string
}

type ShareConfig struct {
	// BaseURL prefixes generated guest share links.
	BaseURL string
	// GuestTokenSecret signs the guest link tokens.
	GuestTokenSecret string
	// DefaultExpiry is applied when a share requests auto-delete without an
	// explicit expiry. Zero means none.
	DefaultExpiry time.Duration
}

type SweepConfig struct {
	Enabled bool
	// Interval between sweep cycles.
	Interval time.Duration
	// MaxInitialDelay caps the randomized startup jitter that desynchronizes
	// multiple server instances.
	MaxInitialDelay time.Duration
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsToken   string
}

func Load() *Config {
	loadDotEnvIfPresent()

	isProd := getEnv("ENVIRONMENT", "development") == "production"

	passphrase := strings.TrimSpace(getEnv("REFERENCE_PASSPHRASE", ""))
	guestSecret := strings.TrimSpace(getEnv("GUEST_TOKEN_SECRET", ""))
	if !isProd {
		if passphrase == "" {
			passphrase = "dev-passphrase-change-in-production"
		}
		if guestSecret == "" {
			guestSecret = deriveDevGuestTokenSecret(passphrase)
		}
	}

	defaultBindAddress := "0.0.0.0"
	if isProd {
		// In production we default to loopback and rely on a reverse proxy.
		defaultBindAddress = "127.0.0.1"
	}
	defaultTrustedProxies := "127.0.0.1,::1"
	defaultMetricsEnabled := !isProd

	return &Config{
		IsProduction: isProd,
		Server: ServerConfig{
			BindAddress:    getEnv("SERVER_BIND_ADDRESS", defaultBindAddress),
			Port:           getEnv("SERVER_PORT", "8080"),
			AllowOrigins:   getEnv("ALLOW_ORIGINS", "http://localhost:5173"),
			TrustedProxies: splitCSV(getEnv("TRUSTED_PROXIES", defaultTrustedProxies)),
		},
		Storage: StorageConfig{
			TenantsPath:       getEnv("TENANTS_PATH", "./storage/tenants"),
			StorageID:         getEnv("STORAGE_ID", "default"),
			ParentFolderName:  getEnv("PARENT_FOLDER_NAME", "Email attachments"),
			MaxNameAttempts:   getEnvInt("MAX_NAME_ATTEMPTS", 1000),
			DefaultQuotaBytes: getEnvInt64("DEFAULT_QUOTA_BYTES", 1073741824), // 1GB
		},
		Reference: ReferenceConfig{
			Passphrase: passphrase,
		},
		Share: ShareConfig{
			BaseURL:          strings.TrimRight(getEnv("SHARE_BASE_URL", "http://localhost:8080/share"), "/"),
			GuestTokenSecret: guestSecret,
			DefaultExpiry:    time.Duration(getEnvInt("SHARE_DEFAULT_EXPIRY_HOURS", 0)) * time.Hour,
		},
		Sweep: SweepConfig{
			Enabled:         getEnvBool("SWEEP_ENABLED", true),
			Interval:        time.Duration(getEnvInt("SWEEP_INTERVAL_MINUTES", 60)) * time.Minute,
			MaxInitialDelay: time.Duration(getEnvInt("SWEEP_MAX_INITIAL_DELAY_SECONDS", 300)) * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvBool("METRICS_ENABLED", defaultMetricsEnabled),
			MetricsToken:   strings.TrimSpace(getEnv("METRICS_TOKEN", "")),
		},
	}
}

func deriveDevGuestTokenSecret(passphrase string) string {
	sum := sha256.Sum256([]byte("attachlink-dev-guest-token:" + passphrase))
	return hex.EncodeToString(sum[:])
}

// Validate checks that the configuration is valid for the current environment.
// In production, it enforces stricter requirements.
func (c *Config) Validate() error {
	if c.IsProduction {
		if c.Reference.Passphrase == "" {
			return errors.New("REFERENCE_PASSPHRASE environment variable is required in production")
		}
		if len(c.Reference.Passphrase) < 16 {
			return errors.New("REFERENCE_PASSPHRASE must be at least 16 characters in production")
		}
		if c.Share.GuestTokenSecret == "" {
			return errors.New("GUEST_TOKEN_SECRET environment variable is required in production")
		}
		if len(c.Share.GuestTokenSecret) < 32 {
			return errors.New("GUEST_TOKEN_SECRET must be at least 32 characters in production")
		}
		if c.Share.GuestTokenSecret == c.Reference.Passphrase {
			return errors.New("GUEST_TOKEN_SECRET must be different from REFERENCE_PASSPHRASE in production")
		}
		if c.Server.AllowOrigins == "*" {
			return errors.New("ALLOW_ORIGINS must not be wildcard (*) in production")
		}
		if c.Observability.MetricsEnabled && c.Observability.MetricsToken == "" {
			return errors.New("METRICS_TOKEN is required in production when METRICS_ENABLED=true")
		}
	}

	if strings.TrimSpace(c.Server.BindAddress) == "" {
		return errors.New("SERVER_BIND_ADDRESS must not be empty")
	}

	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return errors.New("SERVER_PORT must be a valid port number (1-65535)")
	}

	if strings.TrimSpace(c.Storage.StorageID) == "" {
		return errors.New("STORAGE_ID must not be empty")
	}
	if strings.ContainsAny(c.Storage.StorageID, `"\`) {
		return errors.New("STORAGE_ID must not contain quotes or backslashes")
	}
	if c.Storage.MaxNameAttempts < 1 {
		return errors.New("MAX_NAME_ATTEMPTS must be at least 1")
	}
	if c.Sweep.Enabled && c.Sweep.Interval < time.Minute {
		return errors.New("SWEEP_INTERVAL_MINUTES must be at least 1")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func splitCSV(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}

	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		out = append(out, v)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func loadDotEnvIfPresent() {
	for _, path := range []string{".env"} {
		// #nosec G304 -- paths are hardcoded application dotenv locations.
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		for _, rawLine := range strings.Split(string(content), "\n") {
			line := strings.TrimSpace(rawLine)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if strings.HasPrefix(line, "export ") {
				line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
			}

			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}

			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if key == "" {
				continue
			}

			if len(value) >= 2 {
				if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
					value = value[1 : len(value)-1]
				}
			}

			if _, exists := os.LookupEnv(key); exists {
				continue
			}
			_ = os.Setenv(key, value)
		}
	}
}
