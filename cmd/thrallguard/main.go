package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/knarr-net/thrallguard/internal/config"
	"github.com/knarr-net/thrallguard/internal/db"
	"github.com/knarr-net/thrallguard/internal/guard"
	"github.com/knarr-net/thrallguard/internal/guard/admin"
	"github.com/knarr-net/thrallguard/internal/guard/backend"
	"github.com/knarr-net/thrallguard/internal/mcpserver"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "thrallguard",
		Short: "Inbound-mail triage guard for a peer-to-peer node",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Read NDJSON mail events from stdin, triage them, and serve the admin prompt registry",
		RunE:  runServe,
	}

	registerFlags(serveCmd)

	rootCmd.AddCommand(serveCmd)

	viper.SetEnvPrefix("THRALL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// registerFlags registers every tunable on cmd and binds it to viper, so
// THRALL_-prefixed environment variables and flags both populate the same
// config.Config fields.
func registerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("state-dir", "/state", "directory for breaker files, the database, and the text log")
	f.String("node-id", "", "this node's own identifier, used for the self-message check")
	f.Bool("debug", false, "mirror log events to stdout")

	f.Bool("enabled", true, "run the guard at all (false = every message passes through untouched and unlogged)")
	f.Bool("triage-enabled", true, "run messages through the classifier (false = pass everything through)")
	f.String("backend", "ollama", "classifier backend: local, ollama, or openai")

	f.String("local-model-path", "", "path to a local model file")
	f.Int("local-n-threads", 4, "thread count for local inference")
	f.Int("local-n-ctx", 2048, "context window for local inference")
	f.Int("local-max-tokens", 200, "max output tokens for local inference")

	f.String("ollama-url", "http://localhost:11434", "Ollama base URL")
	f.String("ollama-model", "llama3.2", "Ollama model name")
	f.Float64("ollama-temperature", 0.1, "Ollama sampling temperature")
	f.Int("ollama-max-tokens", 200, "Ollama max output tokens")
	f.Int("ollama-num-ctx", 2048, "Ollama context window")
	f.Int("ollama-timeout-seconds", 10, "Ollama request timeout")

	f.String("openai-url", "https://api.openai.com/v1", "OpenAI-compatible base URL")
	f.String("openai-model", "gpt-4o-mini", "OpenAI-compatible model name")
	f.Float64("openai-temperature", 0.1, "OpenAI-compatible sampling temperature")
	f.Int("openai-max-tokens", 200, "OpenAI-compatible max output tokens")
	f.Int("openai-timeout-seconds", 10, "OpenAI-compatible request timeout")
	f.String("openai-api-key", "", "OpenAI-compatible API key")

	f.String("trust-tiers-file", "", "path to a YAML file of {tier: [prefixes]}")
	f.StringSlice("ignore-msg-types", []string{"ack", "delivery", "system"}, "message kinds to skip entirely")

	f.Int("max-replies-per-hour-per-node", 20, "rate limit per sender prefix")
	f.Int("loop-threshold", 2, "reply threshold within an explicit session before the loop breaker trips")
	f.Int("loop-threshold-sessionless", 5, "reply threshold for sessionless traffic")
	f.Int("knock-threshold", 10, "drops within an hour before a knock alert wakes the agent")
	f.Int("classification-ttl-days", 30, "days a classification row is retained before pruning")
	f.String("fallback", "tier", "fallback policy when the backend misbehaves: tier, wake, or drop")

	f.String("admin-addr", "127.0.0.1:8787", "listen address for the in-process admin prompt-registry MCP server")

	bind := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bind("state_dir", "state-dir")
	bind("node_id", "node-id")
	bind("debug", "debug")
	bind("enabled", "enabled")
	bind("triage_enabled", "triage-enabled")
	bind("backend", "backend")
	bind("local_model_path", "local-model-path")
	bind("local_n_threads", "local-n-threads")
	bind("local_n_ctx", "local-n-ctx")
	bind("local_max_tokens", "local-max-tokens")
	bind("ollama_url", "ollama-url")
	bind("ollama_model", "ollama-model")
	bind("ollama_temperature", "ollama-temperature")
	bind("ollama_max_tokens", "ollama-max-tokens")
	bind("ollama_num_ctx", "ollama-num-ctx")
	bind("ollama_timeout_seconds", "ollama-timeout-seconds")
	bind("openai_url", "openai-url")
	bind("openai_model", "openai-model")
	bind("openai_temperature", "openai-temperature")
	bind("openai_max_tokens", "openai-max-tokens")
	bind("openai_timeout_seconds", "openai-timeout-seconds")
	bind("openai_api_key", "openai-api-key")
	bind("trust_tiers_file", "trust-tiers-file")
	bind("ignore_msg_types", "ignore-msg-types")
	bind("max_replies_per_hour_per_node", "max-replies-per-hour-per-node")
	bind("loop_threshold", "loop-threshold")
	bind("loop_threshold_sessionless", "loop-threshold-sessionless")
	bind("knock_threshold", "knock-threshold")
	bind("classification_ttl_days", "classification-ttl-days")
	bind("fallback", "fallback")
	bind("admin_addr", "admin-addr")
}

func backendParams(cfg *config.Config) backend.Params {
	return backend.Params{
		Backend: cfg.Backend,

		LocalModelPath: cfg.LocalModelPath,
		LocalNThreads:  cfg.LocalNThreads,
		LocalNCtx:      cfg.LocalNCtx,
		LocalMaxTokens: cfg.LocalMaxTokens,

		OllamaURL:         cfg.OllamaURL,
		OllamaModel:       cfg.OllamaModel,
		OllamaTemperature: cfg.OllamaTemperature,
		OllamaMaxTokens:   cfg.OllamaMaxTokens,
		OllamaNumCtx:      cfg.OllamaNumCtx,
		OllamaTimeout:     time.Duration(cfg.OllamaTimeoutSecond) * time.Second,

		OpenAIURL:         cfg.OpenAIURL,
		OpenAIModel:       cfg.OpenAIModel,
		OpenAITemperature: cfg.OpenAITemperature,
		OpenAIMaxTokens:   cfg.OpenAIMaxTokens,
		OpenAITimeout:     time.Duration(cfg.OpenAITimeoutSecond) * time.Second,
		OpenAIAPIKey:      cfg.OpenAIAPIKey,
	}
}

// mailEvent is one line of NDJSON read from stdin in serve mode.
type mailEvent struct {
	MsgType   string `json:"msg_type"`
	FromNode  string `json:"from_node"`
	ToNode    string `json:"to_node"`
	Body      any    `json:"body"`
	SessionID string `json:"session_id"`
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	log.Printf("thrallguard serve starting")
	log.Printf("  node:    %s", cfg.NodeID)
	log.Printf("  backend: %s", cfg.Backend)
	log.Printf("  state:   %s", cfg.StateDir)

	database, err := db.Open(filepath.Join(cfg.StateDir, "thrall.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	be := backend.GetSingleton(backendParams(cfg))
	transport := guard.NewStdoutTransport(os.Stdout)

	g, err := guard.New(cfg, database, be, transport, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("build guard: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Tick(ctx)
			}
		}
	}()

	// The admin registry shares this process's database connection and the
	// live guard's reload callback directly, rather than a path to a second
	// connection opened by a separate process, so load_prompt takes effect
	// in this guard immediately.
	registry := admin.New(database, func() float64 { return float64(time.Now().UnixNano()) / 1e9 }, g.ReloadPrompt)
	go func() {
		if err := mcpserver.Serve(ctx, cfg.AdminAddr, registry); err != nil && ctx.Err() == nil {
			log.Printf("admin mcp server error: %v", err)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev mailEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Printf("skipping malformed line: %v", err)
			continue
		}
		g.OnMailReceived(ctx, ev.MsgType, ev.FromNode, ev.ToNode, ev.Body, ev.SessionID)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	return g.Shutdown(shutdownCtx)
}
