// Package config loads application settings from an optional TOML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variable names. Every TOML key has a matching env override.
const (
	EnvConfigFile = "MODELVAULT_CONFIG"

	EnvLocalRoot       = "LOCAL_MODELS_ROOT"
	EnvLakeRoot        = "LAKE_MODELS_ROOT"
	EnvLocalAllowDel   = "LOCAL_ALLOW_DELETE"
	EnvLakeAllowDel    = "LAKE_ALLOW_DELETE"
	EnvAppDataDir      = "APP_DATA_DIR"
	EnvListenAddr      = "LISTEN_ADDR"
	EnvRemoteBaseURL   = "REMOTE_BASE_URL"
	EnvRemoteTTL       = "REMOTE_SESSION_TTL_MINUTES"
	EnvHashWorkers     = "HASH_WORKERS"
	EnvQueueRetries    = "QUEUE_RETRY_COUNT"
	EnvCivitaiKey      = "CIVITAI_API_KEY"
	EnvHuggingfaceKey  = "HUGGINGFACE_API_KEY"
	EnvDlMaxConcurrent = "DOWNLOADER_MAX_CONCURRENT"
	EnvDlStallTimeout  = "DOWNLOADER_STALL_TIMEOUT_SECONDS"
	EnvDlConnTimeout   = "DOWNLOADER_CONNECT_TIMEOUT_SECONDS"
	EnvDlRateLimit     = "DOWNLOADER_RATE_LIMIT_BYTES"
)

// Settings holds every knob the services need. Fields map 1:1 to the TOML
// file; zero values are replaced by defaults in Load.
type Settings struct {
	LocalModelsRoot string `toml:"local_models_root"`
	LakeModelsRoot  string `toml:"lake_models_root"`

	LocalAllowDelete bool `toml:"local_allow_delete"`
	LakeAllowDelete  bool `toml:"lake_allow_delete"`

	AppDataDir string `toml:"app_data_dir"`
	ListenAddr string `toml:"listen_addr"`

	RemoteBaseURL           string `toml:"remote_base_url"`
	RemoteSessionTTLMinutes int    `toml:"remote_session_ttl_minutes"`

	HashWorkers     int `toml:"hash_workers"`
	QueueRetryCount int `toml:"queue_retry_count"`

	CivitaiAPIKey     string `toml:"civitai_api_key"`
	HuggingfaceAPIKey string `toml:"huggingface_api_key"`

	DownloaderMaxConcurrent         int   `toml:"downloader_max_concurrent"`
	DownloaderStallTimeoutSeconds   int   `toml:"downloader_stall_timeout_seconds"`
	DownloaderConnectTimeoutSeconds int   `toml:"downloader_connect_timeout_seconds"`
	DownloaderRateLimitBytes        int64 `toml:"downloader_rate_limit_bytes"`
}

// Load reads the TOML file named by MODELVAULT_CONFIG (if set), applies
// env overrides, fills defaults and validates the storage roots.
func Load() (*Settings, error) {
	s := &Settings{}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if _, err := toml.DecodeFile(path, s); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(s)
	s.applyDefaults()

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func applyEnv(s *Settings) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(EnvLocalRoot, &s.LocalModelsRoot)
	setStr(EnvLakeRoot, &s.LakeModelsRoot)
	setBool(EnvLocalAllowDel, &s.LocalAllowDelete)
	setBool(EnvLakeAllowDel, &s.LakeAllowDelete)
	setStr(EnvAppDataDir, &s.AppDataDir)
	setStr(EnvListenAddr, &s.ListenAddr)
	setStr(EnvRemoteBaseURL, &s.RemoteBaseURL)
	setInt(EnvRemoteTTL, &s.RemoteSessionTTLMinutes)
	setInt(EnvHashWorkers, &s.HashWorkers)
	setInt(EnvQueueRetries, &s.QueueRetryCount)
	setStr(EnvCivitaiKey, &s.CivitaiAPIKey)
	setStr(EnvHuggingfaceKey, &s.HuggingfaceAPIKey)
	setInt(EnvDlMaxConcurrent, &s.DownloaderMaxConcurrent)
	setInt(EnvDlStallTimeout, &s.DownloaderStallTimeoutSeconds)
	setInt(EnvDlConnTimeout, &s.DownloaderConnectTimeoutSeconds)
	if v := os.Getenv(EnvDlRateLimit); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.DownloaderRateLimitBytes = n
		}
	}
}

func (s *Settings) applyDefaults() {
	if s.ListenAddr == "" {
		s.ListenAddr = "127.0.0.1:8420"
	}
	if s.RemoteSessionTTLMinutes <= 0 {
		s.RemoteSessionTTLMinutes = 60
	}
	if s.HashWorkers <= 0 {
		s.HashWorkers = 2
	}
	if s.QueueRetryCount <= 0 {
		s.QueueRetryCount = 3
	}
	if s.DownloaderMaxConcurrent <= 0 {
		s.DownloaderMaxConcurrent = 1
	}
	if s.DownloaderStallTimeoutSeconds <= 0 {
		s.DownloaderStallTimeoutSeconds = 30
	}
	if s.DownloaderConnectTimeoutSeconds <= 0 {
		s.DownloaderConnectTimeoutSeconds = 10
	}
	if s.AppDataDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			s.AppDataDir = filepath.Join(dir, "ModelVault")
		} else {
			home, _ := os.UserHomeDir()
			s.AppDataDir = filepath.Join(home, ".modelvault")
		}
	}
}

func (s *Settings) validate() error {
	if s.LocalModelsRoot == "" {
		return fmt.Errorf("local_models_root is required")
	}
	if s.LakeModelsRoot == "" {
		return fmt.Errorf("lake_models_root is required")
	}
	for _, root := range []string{s.LocalModelsRoot, s.LakeModelsRoot} {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("storage root %s: %w", root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("storage root %s is not a directory", root)
		}
	}
	return nil
}

// Root returns the filesystem root for a side ("local" or "lake").
func (s *Settings) Root(side string) string {
	if side == "local" {
		return s.LocalModelsRoot
	}
	return s.LakeModelsRoot
}

// AllowDelete reports whether sync deletes are permitted on a side.
// Dedupe execution deliberately ignores this.
func (s *Settings) AllowDelete(side string) bool {
	if side == "local" {
		return s.LocalAllowDelete
	}
	return s.LakeAllowDelete
}

// SessionTTL returns the remote session lifetime.
func (s *Settings) SessionTTL() time.Duration {
	return time.Duration(s.RemoteSessionTTLMinutes) * time.Minute
}

// EnsureAppDataDir creates the app data directory and returns it.
func (s *Settings) EnsureAppDataDir() (string, error) {
	if err := os.MkdirAll(s.AppDataDir, 0o755); err != nil {
		return "", fmt.Errorf("create app data dir: %w", err)
	}
	return s.AppDataDir, nil
}

// DBPath returns the SQLite database location under the app data dir.
func (s *Settings) DBPath() string {
	return filepath.Join(s.AppDataDir, "modelvault.db")
}

// DownloadsDir is the default destination for downloader jobs without an
// explicit target root.
func (s *Settings) DownloadsDir() string {
	return filepath.Join(s.AppDataDir, "downloads")
}
