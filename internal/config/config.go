package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Config holds all configuration for the BusKeeper server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Crypto   CryptoConfig
	Rotation RotationConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type CryptoConfig struct {
	// MasterKeys maps key version to 32-byte AES key material, parsed from
	// BUSKEEPER_MASTER_KEYS ("1:<base64>,2:<base64>"). The highest version
	// is the current encryption key.
	MasterKeys map[int][]byte

	// NextKeyVersion and NextKeyMaterial hold the pre-provisioned rotation
	// target, parsed from BUSKEEPER_NEXT_MASTER_KEY ("2:<base64>"). The key
	// is staged but not current until a rotation run activates it. Because
	// the material lives in configuration rather than process memory, a
	// restart at any point during or after a rotation can still decrypt
	// records already moved to the new version. Zero version means no key
	// is staged.
	NextKeyVersion  int
	NextKeyMaterial []byte

	BcryptCost int
}

type RotationConfig struct {
	BatchSize  int
	MaxRetries int
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid — in particular malformed master keys, so the
// service never starts in a state that cannot decrypt existing data.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("BUSKEEPER_PORT", 8080),
			Env:               envString("BUSKEEPER_ENV", "development"),
			RequestsPerMinute: envInt("BUSKEEPER_RATE_LIMIT_PER_MIN", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Crypto: CryptoConfig{
			BcryptCost: envInt("BUSKEEPER_BCRYPT_COST", bcrypt.DefaultCost),
		},
		Rotation: RotationConfig{
			BatchSize:  envInt("BUSKEEPER_ROTATION_BATCH_SIZE", 100),
			MaxRetries: envInt("BUSKEEPER_ROTATION_MAX_RETRIES", 3),
		},
	}

	keys, err := parseMasterKeys(os.Getenv("BUSKEEPER_MASTER_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.Crypto.MasterKeys = keys

	nextVersion, nextMaterial, err := parseNextKey(os.Getenv("BUSKEEPER_NEXT_MASTER_KEY"), keys)
	if err != nil {
		return nil, err
	}
	cfg.Crypto.NextKeyVersion = nextVersion
	cfg.Crypto.NextKeyMaterial = nextMaterial

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Crypto.BcryptCost < bcrypt.MinCost || c.Crypto.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BUSKEEPER_BCRYPT_COST must be between %d and %d, got %d",
			bcrypt.MinCost, bcrypt.MaxCost, c.Crypto.BcryptCost)
	}

	if c.Rotation.BatchSize <= 0 {
		return fmt.Errorf("BUSKEEPER_ROTATION_BATCH_SIZE must be positive, got %d", c.Rotation.BatchSize)
	}

	return nil
}

// parseMasterKeys parses "version:base64key" pairs. Every entry must be a
// positive version with exactly 32 bytes of key material.
func parseMasterKeys(raw string) (map[int][]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("BUSKEEPER_MASTER_KEYS is required")
	}

	keys := make(map[int][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		version, material, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("BUSKEEPER_MASTER_KEYS entry %q: want version:base64key", entry)
		}

		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("BUSKEEPER_MASTER_KEYS entry %q: invalid version", entry)
		}
		if _, dup := keys[v]; dup {
			return nil, fmt.Errorf("BUSKEEPER_MASTER_KEYS: duplicate version %d", v)
		}

		key, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return nil, fmt.Errorf("BUSKEEPER_MASTER_KEYS version %d: invalid base64: %w", v, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("BUSKEEPER_MASTER_KEYS version %d: key must be 32 bytes, got %d", v, len(key))
		}

		keys[v] = key
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("BUSKEEPER_MASTER_KEYS is required")
	}
	return keys, nil
}

// parseNextKey parses the optional pre-provisioned rotation target. Its
// version must be strictly above every key in BUSKEEPER_MASTER_KEYS.
func parseNextKey(raw string, existing map[int][]byte) (int, []byte, error) {
	if raw == "" {
		return 0, nil, nil
	}

	version, material, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, nil, fmt.Errorf("BUSKEEPER_NEXT_MASTER_KEY: want version:base64key")
	}
	v, err := strconv.Atoi(version)
	if err != nil || v <= 0 {
		return 0, nil, fmt.Errorf("BUSKEEPER_NEXT_MASTER_KEY: invalid version %q", version)
	}
	for have := range existing {
		if v <= have {
			return 0, nil, fmt.Errorf("BUSKEEPER_NEXT_MASTER_KEY version %d must exceed every BUSKEEPER_MASTER_KEYS version", v)
		}
	}

	key, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return 0, nil, fmt.Errorf("BUSKEEPER_NEXT_MASTER_KEY: invalid base64: %w", err)
	}
	if len(key) != 32 {
		return 0, nil, fmt.Errorf("BUSKEEPER_NEXT_MASTER_KEY: key must be 32 bytes, got %d", len(key))
	}
	return v, key, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
