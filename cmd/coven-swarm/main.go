// ABOUTME: Entry point for the coven-swarm coordinator
// ABOUTME: Serves the swarm and offers init, token, health, status and submit helpers

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-swarm/internal/auth"
	"github.com/2389/coven-swarm/internal/config"
	"github.com/2389/coven-swarm/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _____      ____ _ _ __ _ __ ___  
 / __/ _ \ \ / / _ \ '_ \ _____/ __\ \ /\ / / _' | '__| '_ ' _ \ 
| (_| (_) \ V /  __/ | | |_____\__ \\ V  V / (_| | |  | | | | | |
 \___\___/ \_/ \___|_| |_|     |___/ \_/\_/ \__,_|_|  |_| |_| |_|
`

// getConfigPath returns the path to the coordinator config file.
// Priority: COVEN_SWARM_CONFIG env var > XDG_CONFIG_HOME/coven/swarm.yaml > ~/.config/coven/swarm.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_SWARM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "swarm.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "swarm.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-swarm <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                           Start the swarm coordinator")
	fmt.Println("  init                            Write a config file with fresh secrets")
	fmt.Println("  token --subject S [--role R]    Issue an API token (operator or viewer)")
	fmt.Println("  health                          Check coordinator health")
	fmt.Println("  status                          Print swarm status")
	fmt.Println("  submit --type T --skills a,b    Submit a task")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	case "submit":
		err = runSubmit(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    max %d", cfg.Agents.MaxAgents)
	if cfg.Autoscale.Enabled {
		cyan.Printf(" [autoscale min %d]", cfg.Autoscale.MinAgents)
	}
	fmt.Println()
	if cfg.Events.NATSURL != "" || cfg.Events.Embedded {
		green.Print("    ▶ ")
		fmt.Printf("Events:    %s.>", cfg.Events.Subject)
		if cfg.Events.Embedded && cfg.Events.NATSURL == "" {
			gray.Print(" (embedded)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API authentication disabled")
	}

	fmt.Println()

	logger.Info("starting coven-swarm",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// runInit writes a starter config with random agent and API secrets.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	agentSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating agent secret: %w", err)
	}
	jwtSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	dataPath := getDataPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# coven-swarm configuration
# Generated by coven-swarm init

server:
  http_addr: "127.0.0.1:8090"

database:
  path: "%s"

auth:
  agent_secret: "%s"
  jwt_secret: "%s"

agents:
  max_agents: 10
  initial:
    - type: generalist
      count: 1

autoscale:
  enabled: true
  min_agents: 1
  fallback_type: generalist

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "swarm.db"), agentSecret, jwtSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created config: %s\n", configPath)
	return nil
}

// runToken issues an API token signed with the configured JWT secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (who the token is for)")
	role := fs.String("role", auth.RoleOperator, "operator or viewer")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return fmt.Errorf("--subject is required")
	}
	if *role != auth.RoleOperator && *role != auth.RoleViewer {
		return fmt.Errorf("--role must be %s or %s", auth.RoleOperator, auth.RoleViewer)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*subject, *role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// apiRequest calls the coordinator API, sending COVEN_SWARM_TOKEN when set.
func apiRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("COVEN_SWARM_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func runHealth(ctx context.Context) error {
	if _, err := apiRequest(ctx, http.MethodGet, "/health", nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	body, err := apiRequest(ctx, http.MethodGet, "/api/swarm", nil)
	if err != nil {
		return err
	}
	var st gateway.SwarmStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	bold.Printf("Agents  ")
	fmt.Printf("%d total  %d busy  %d idle  %d ready  %d error  (capacity %d)\n",
		st.Counts.Total, st.Counts.Busy, st.Counts.Idle, st.Counts.Ready, st.Counts.Error, st.Capacity)
	bold.Printf("Tasks   ")
	fmt.Printf("%d pending  %d running  %d completed  %d failed\n",
		st.Metrics.TasksPending, st.Metrics.TasksInProgress, st.Metrics.TasksCompleted, st.Metrics.TasksFailed)
	bold.Printf("Usage   ")
	fmt.Printf("%.0f%% utilization  $%.2f/h  $%.2f saved\n",
		st.Metrics.Utilization, st.Metrics.EstimatedHourlyCost, st.Metrics.Savings)
	gray.Printf("uptime %s\n", st.Uptime)

	for _, a := range st.Agents {
		line := fmt.Sprintf("  %-36s %-10s %-12s", a.ID, a.Type, a.Status)
		if a.CurrentTaskID != "" {
			line += " " + a.CurrentTaskID
		}
		fmt.Println(line)
	}
	return nil
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	taskType := fs.String("type", "", "task type")
	skills := fs.String("skills", "", "comma-separated required skills")
	priority := fs.String("priority", "", "low, normal, high or critical")
	preferred := fs.String("prefer", "", "preferred agent type")
	payload := fs.String("payload", "", "JSON payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := map[string]any{
		"type":            *taskType,
		"required_skills": splitList(*skills),
		"priority":        *priority,
		"preferred_type":  *preferred,
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		req["payload"] = json.RawMessage(*payload)
	}

	body, err := apiRequest(ctx, http.MethodPost, "/api/tasks", req)
	if err != nil {
		return err
	}
	var t struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return fmt.Errorf("decoding task: %w", err)
	}
	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("%s (%s)\n", t.ID, t.Status)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
