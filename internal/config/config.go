// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Lock backends accepted by LEDGERKEYS_LOCK_BACKEND.
const (
	LockBackendMemory = "memory"
	LockBackendSQLite = "sqlite"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	NetworkID       string
	ContractAddress string
	RPCURLs         []string
	RPCTimeout      time.Duration

	SweepEnabled  bool
	SweepInterval time.Duration

	FeedEnabled      bool
	FeedPollInterval time.Duration
	FeedStartBlock   *uint64
	FeedMaxBlockSpan uint64

	MetadataTimeout  time.Duration
	LockBackend      string
	LockPollInterval time.Duration
	LeaseTTL         time.Duration
	WriteRetries     uint64

	ListenAddr string
	DBPath     string
}

// Load reads configuration from environment variables and returns a validated Config.
// Required: LEDGERKEYS_NETWORK_ID and LEDGERKEYS_CONTRACT_ADDRESS. Everything
// else has a default; any value that is present but unparsable is an error.
func Load() (*Config, error) {
	cfg := &Config{
		NetworkID:        strings.TrimSpace(os.Getenv("LEDGERKEYS_NETWORK_ID")),
		ContractAddress:  strings.TrimSpace(os.Getenv("LEDGERKEYS_CONTRACT_ADDRESS")),
		RPCURLs:          []string{"http://127.0.0.1:8545"},
		RPCTimeout:       5 * time.Second,
		SweepEnabled:     true,
		SweepInterval:    30 * time.Second,
		FeedEnabled:      false,
		FeedPollInterval: 5 * time.Second,
		FeedMaxBlockSpan: 2000,
		MetadataTimeout:  5 * time.Second,
		LockBackend:      LockBackendMemory,
		LockPollInterval: 100 * time.Millisecond,
		LeaseTTL:         2 * time.Minute,
		WriteRetries:     3,
		ListenAddr:       "127.0.0.1:8080",
		DBPath:           "ledgerkeys.db",
	}

	if cfg.NetworkID == "" {
		return nil, errors.New("LEDGERKEYS_NETWORK_ID is required")
	}
	if cfg.ContractAddress == "" {
		return nil, errors.New("LEDGERKEYS_CONTRACT_ADDRESS is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("LEDGERKEYS_CONTRACT_ADDRESS is not a hex address: %q", cfg.ContractAddress)
	}

	if v, ok := os.LookupEnv("LEDGERKEYS_RPC_URLS"); ok {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 {
			return nil, errors.New("LEDGERKEYS_RPC_URLS must list at least one endpoint")
		}
		cfg.RPCURLs = urls
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LEDGERKEYS_RPC_TIMEOUT", &cfg.RPCTimeout},
		{"LEDGERKEYS_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"LEDGERKEYS_FEED_POLL_INTERVAL", &cfg.FeedPollInterval},
		{"LEDGERKEYS_METADATA_TIMEOUT", &cfg.MetadataTimeout},
		{"LEDGERKEYS_LOCK_POLL_INTERVAL", &cfg.LockPollInterval},
		{"LEDGERKEYS_LEASE_TTL", &cfg.LeaseTTL},
	}
	for _, d := range durations {
		if err := lookupDuration(d.key, d.dst); err != nil {
			return nil, err
		}
	}

	if err := lookupBool("LEDGERKEYS_SWEEP_ENABLED", &cfg.SweepEnabled); err != nil {
		return nil, err
	}
	if err := lookupBool("LEDGERKEYS_FEED_ENABLED", &cfg.FeedEnabled); err != nil {
		return nil, err
	}
	if err := lookupUint("LEDGERKEYS_FEED_MAX_BLOCK_SPAN", &cfg.FeedMaxBlockSpan); err != nil {
		return nil, err
	}
	if cfg.FeedMaxBlockSpan == 0 {
		return nil, errors.New("LEDGERKEYS_FEED_MAX_BLOCK_SPAN must be positive")
	}
	if err := lookupUint("LEDGERKEYS_WRITE_RETRIES", &cfg.WriteRetries); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv("LEDGERKEYS_FEED_START_BLOCK"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("LEDGERKEYS_FEED_START_BLOCK has invalid block number %q: %w", v, err)
		}
		cfg.FeedStartBlock = &n
	}

	if v, ok := os.LookupEnv("LEDGERKEYS_LOCK_BACKEND"); ok {
		switch v {
		case LockBackendMemory, LockBackendSQLite:
			cfg.LockBackend = v
		default:
			return nil, fmt.Errorf("LEDGERKEYS_LOCK_BACKEND must be %q or %q, got %q", LockBackendMemory, LockBackendSQLite, v)
		}
	}

	if v, ok := os.LookupEnv("LEDGERKEYS_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("LEDGERKEYS_DB_PATH"); ok {
		cfg.DBPath = v
	}

	return cfg, nil
}

func lookupDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be positive, got %s", key, parsed)
	}
	*dst = parsed
	return nil
}

func lookupBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func lookupUint(key string, dst *uint64) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s has invalid number %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}
