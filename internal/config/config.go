// Package config loads the scanner's typed configuration from compiled-in
// defaults, an optional JSON file, and environment variable overrides, in
// that order, so every recognized option has one explicit field rather
// than living in a raw map.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every recognized runtime option.
type Config struct {
	RegexTimeoutMS          int      `json:"regex_timeout_ms"`
	StopOnFirstMatch        bool     `json:"stop_on_first_match"`
	EnsembleThreshold       float64  `json:"ensemble_threshold"`
	EnsembleIncludeCombined bool     `json:"ensemble_include_combined"`
	PrefilterEnabled        bool     `json:"prefilter_enabled"`
	PrefilterKeywords       []string `json:"prefilter_keywords"`
	CodeDetectionEnabled    bool     `json:"code_detection_enabled"`
	CodeConfidenceThreshold float64  `json:"code_confidence_threshold"`
	DatasetHMACSecret       string   `json:"dataset_hmac_secret"`
	DatasetPaths            []string `json:"dataset_paths"`
	DatasetWatchEnabled     bool     `json:"dataset_watch_enabled"`
	DatasetReloadCron       string   `json:"dataset_reload_cron"`
	ReloadBroadcastSubject  string   `json:"reload_broadcast_subject"`
	ReloadJWTSecret         string   `json:"reload_jwt_secret"`
	FailOpen                bool     `json:"fail_open"`
	MaxInputBytes           int      `json:"max_input_bytes"`
	ScanDeadlineMS          int      `json:"scan_deadline_ms"`
	OTelExporterEndpoint    string   `json:"otel_exporter_endpoint"`
	JSONLog                 bool     `json:"json_log"`
	LogLevel                string   `json:"log_level"`
}

// Defaults returns the compiled-in baseline configuration.
func Defaults() Config {
	return Config{
		RegexTimeoutMS:          100,
		StopOnFirstMatch:        true,
		EnsembleThreshold:       0.75,
		EnsembleIncludeCombined: true,
		PrefilterEnabled:        true,
		PrefilterKeywords: []string{
			"ignore", "override", "system prompt", "jailbreak", "disregard",
			"reveal", "admin", "sudo", "bypass", "pretend",
		},
		CodeDetectionEnabled:    true,
		CodeConfidenceThreshold: 0.7,
		DatasetPaths:            []string{"testdata/datasets"},
		DatasetWatchEnabled:     true,
		DatasetReloadCron:       "*/5 * * * *",
		ReloadBroadcastSubject:  "layer0.reload.completed",
		FailOpen:                false,
		MaxInputBytes:           1 << 20,
		ScanDeadlineMS:          500,
		LogLevel:                "info",
	}
}

// Load merges defaults, an optional JSON file named by L0_CONFIG_FILE, and
// environment variable overrides, in that order.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("L0_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("L0_REGEX_TIMEOUT_MS"); ok {
		cfg.RegexTimeoutMS = v
	}
	if v, ok := envBool("L0_STOP_ON_FIRST_MATCH"); ok {
		cfg.StopOnFirstMatch = v
	}
	if v, ok := envFloat("L0_ENSEMBLE_THRESHOLD"); ok {
		cfg.EnsembleThreshold = v
	}
	if v, ok := envBool("L0_ENSEMBLE_INCLUDE_COMBINED"); ok {
		cfg.EnsembleIncludeCombined = v
	}
	if v, ok := envBool("L0_PREFILTER_ENABLED"); ok {
		cfg.PrefilterEnabled = v
	}
	if v := os.Getenv("L0_PREFILTER_KEYWORDS"); v != "" {
		cfg.PrefilterKeywords = strings.Split(v, ",")
	}
	if v, ok := envBool("L0_CODE_DETECTION_ENABLED"); ok {
		cfg.CodeDetectionEnabled = v
	}
	if v, ok := envFloat("L0_CODE_CONFIDENCE_THRESHOLD"); ok {
		cfg.CodeConfidenceThreshold = v
	}
	if v := os.Getenv("L0_DATASET_HMAC_SECRET"); v != "" {
		cfg.DatasetHMACSecret = v
	}
	if v := os.Getenv("L0_DATASET_PATHS"); v != "" {
		cfg.DatasetPaths = strings.Split(v, ",")
	}
	if v, ok := envBool("L0_DATASET_WATCH_ENABLED"); ok {
		cfg.DatasetWatchEnabled = v
	}
	if v := os.Getenv("L0_DATASET_RELOAD_CRON"); v != "" {
		cfg.DatasetReloadCron = v
	}
	if v := os.Getenv("L0_RELOAD_BROADCAST_SUBJECT"); v != "" {
		cfg.ReloadBroadcastSubject = v
	}
	if v := os.Getenv("L0_RELOAD_JWT_SECRET"); v != "" {
		cfg.ReloadJWTSecret = v
	}
	if v, ok := envBool("L0_FAIL_OPEN"); ok {
		cfg.FailOpen = v
	}
	if v, ok := envInt("L0_MAX_INPUT_BYTES"); ok {
		cfg.MaxInputBytes = v
	}
	if v, ok := envInt("L0_SCAN_DEADLINE_MS"); ok {
		cfg.ScanDeadlineMS = v
	}
	if v := os.Getenv("L0_OTEL_EXPORTER_ENDPOINT"); v != "" {
		cfg.OTelExporterEndpoint = v
	}
	if v, ok := envBool("L0_JSON_LOG"); ok {
		cfg.JSONLog = v
	}
	if v := os.Getenv("L0_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
