// Package config loads guard configuration from flags, environment
// variables, and a trust-tier file via viper, following the same
// flag/env-binding conventions the rest of this tool's command-line
// surface uses.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the guard needs at startup. Fields are
// populated by Load() from viper, which cobra's root command has already
// bound to flags and THRALL_-prefixed environment variables.
type Config struct {
	StateDir string
	NodeID   string
	Debug    bool

	// Enabled gates the entire guard: when false, OnMailReceived returns
	// immediately and nothing is logged, checked, or persisted. When
	// TriageEnabled is false, intake and breaker checks still run, but the
	// message is then passed through without classification and without
	// loop or rate checks.
	Enabled       bool
	TriageEnabled bool
	Backend       string // local, ollama, openai

	LocalModelPath string
	LocalNThreads  int
	LocalNCtx      int
	LocalMaxTokens int

	OllamaURL           string
	OllamaModel         string
	OllamaTemperature   float64
	OllamaMaxTokens     int
	OllamaNumCtx        int
	OllamaTimeoutSecond int

	OpenAIURL           string
	OpenAIModel         string
	OpenAITemperature   float64
	OpenAIMaxTokens     int
	OpenAITimeoutSecond int
	OpenAIAPIKey        string

	TrustTiersFile string
	TrustTiers     map[string][]string
	IgnoreMsgTypes []string

	MaxRepliesPerHourPerNode int
	LoopThreshold            int
	LoopThresholdSessionless int
	KnockThreshold           int
	ClassificationTTLDays    int
	Fallback                 string // tier, wake, drop

	AdminAddr string
}

// Load reads all fields from viper and loads the trust-tier file, if set.
func Load() (*Config, error) {
	cfg := &Config{
		StateDir: viper.GetString("state_dir"),
		NodeID:   viper.GetString("node_id"),
		Debug:    viper.GetBool("debug"),

		Enabled:       viper.GetBool("enabled"),
		TriageEnabled: viper.GetBool("triage_enabled"),
		Backend:       viper.GetString("backend"),

		LocalModelPath: viper.GetString("local_model_path"),
		LocalNThreads:  viper.GetInt("local_n_threads"),
		LocalNCtx:      viper.GetInt("local_n_ctx"),
		LocalMaxTokens: viper.GetInt("local_max_tokens"),

		OllamaURL:           viper.GetString("ollama_url"),
		OllamaModel:         viper.GetString("ollama_model"),
		OllamaTemperature:   viper.GetFloat64("ollama_temperature"),
		OllamaMaxTokens:     viper.GetInt("ollama_max_tokens"),
		OllamaNumCtx:        viper.GetInt("ollama_num_ctx"),
		OllamaTimeoutSecond: viper.GetInt("ollama_timeout_seconds"),

		OpenAIURL:           viper.GetString("openai_url"),
		OpenAIModel:         viper.GetString("openai_model"),
		OpenAITemperature:   viper.GetFloat64("openai_temperature"),
		OpenAIMaxTokens:     viper.GetInt("openai_max_tokens"),
		OpenAITimeoutSecond: viper.GetInt("openai_timeout_seconds"),
		OpenAIAPIKey:        viper.GetString("openai_api_key"),

		TrustTiersFile: viper.GetString("trust_tiers_file"),
		IgnoreMsgTypes: viper.GetStringSlice("ignore_msg_types"),

		MaxRepliesPerHourPerNode: viper.GetInt("max_replies_per_hour_per_node"),
		LoopThreshold:            viper.GetInt("loop_threshold"),
		LoopThresholdSessionless: viper.GetInt("loop_threshold_sessionless"),
		KnockThreshold:           viper.GetInt("knock_threshold"),
		ClassificationTTLDays:    viper.GetInt("classification_ttl_days"),
		Fallback:                 viper.GetString("fallback"),

		AdminAddr: viper.GetString("admin_addr"),
	}

	normalizeLegacyBackend(cfg)

	if cfg.TrustTiersFile != "" {
		tiers, err := loadTrustTiers(cfg.TrustTiersFile)
		if err != nil {
			return nil, fmt.Errorf("load trust tiers: %w", err)
		}
		cfg.TrustTiers = tiers
	}
	if cfg.TrustTiers == nil {
		cfg.TrustTiers = map[string][]string{}
	}

	return cfg, nil
}

// normalizeLegacyBackend maps the deprecated "embedded" backend name to
// "local". Older deployments used this name before the backend roster grew
// to include ollama and openai-compatible HTTP backends.
func normalizeLegacyBackend(cfg *Config) {
	if cfg.Backend == "embedded" {
		cfg.Backend = "local"
	}
}

func loadTrustTiers(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var tiers map[string][]string
	if err := yaml.Unmarshal(raw, &tiers); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return tiers, nil
}
