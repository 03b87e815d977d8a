// ABOUTME: Entry point for the codebolt-router message router.
// ABOUTME: Subcommands: serve, health, connections.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/codeboltai/codebolt-router/internal/config"
	"github.com/codeboltai/codebolt-router/internal/gateway"
	"github.com/codeboltai/codebolt-router/internal/registry"
)

// Version is set by goreleaser at build time.
var version = "dev"

// EnvToken supplies the bearer token for the API subcommands.
const EnvToken = "CODEBOLT_ROUTER_TOKEN"

const banner = `
                _      _           _ _                       _
  ___ ___   __| | ___| |__   ___ | | |_      _ __ ___  _   _| |_ ___ _ __
 / __/ _ \ / _' |/ _ \ '_ \ / _ \| | __|____| '__/ _ \| | | | __/ _ \ '__|
| (_| (_) | (_| |  __/ |_) | (_) | | ||_____| | | (_) | |_| | ||  __/ |
 \___\___/ \__,_|\___|_.__/ \___/|_|\__|    |_|  \___/ \__,_|\__\___|_|
`

func usage() {
	fmt.Println("Usage: codebolt-router <command> [config-path]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the router")
	fmt.Println("  health        Check router readiness")
	fmt.Println("  connections   List live connections by role")
	fmt.Println()
	fmt.Printf("The config path defaults to $%s, then ~/.config/codebolt-router/config.yaml.\n", config.EnvConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	explicit := ""
	if len(os.Args) > 2 {
		explicit = os.Args[2]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, explicit)
	case "health":
		err = runHealth(ctx, explicit)
	case "connections":
		err = runConnections(ctx, explicit)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig returns the resolved config and the path it came from. With no
// config file the defaults are used and the path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.ResolvePath(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		cfg, err := config.Parse(nil, false)
		return cfg, "", err
	}
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, explicit string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(explicit)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	if configPath == "" {
		green.Print("    ▶ ")
		fmt.Print("Config:    ")
		yellow.Println("defaults (no config file found)")
	} else {
		line("Config", configPath)
	}
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "" {
		line("Database", cfg.Database.Path)
	}
	if cfg.Remote.Kind != config.RemoteNone {
		line("Remote", cfg.Remote.Kind+" "+cfg.Remote.URL)
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Print("Auth:      ")
		yellow.Println("disabled")
	}
	fmt.Println()

	logger.Info("starting codebolt-router",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}
	return gw.Run(ctx)
}

// apiGet issues an authenticated GET against the router's HTTP API.
func apiGet(ctx context.Context, cfg *config.Config, path string) (*http.Response, error) {
	url := fmt.Sprintf("http://%s%s", dialAddr(cfg.Server.HTTPAddr), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if tok := os.Getenv(EnvToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

// dialAddr turns a listen address such as ":8080" into one a client can dial.
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func runHealth(ctx context.Context, explicit string) error {
	cfg, _, err := loadConfig(explicit)
	if err != nil {
		return err
	}

	resp, err := apiGet(ctx, cfg, "/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var body gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	status := color.GreenString(body.Status)
	if resp.StatusCode != http.StatusOK {
		status = color.RedString(body.Status)
	}
	fmt.Printf("%s (uptime %s)\n", status, body.Uptime)
	for _, name := range sortedKeys(body.Checks) {
		fmt.Printf("  %-10s %s\n", name, body.Checks[name])
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func runConnections(ctx context.Context, explicit string) error {
	cfg, _, err := loadConfig(explicit)
	if err != nil {
		return err
	}

	resp, err := apiGet(ctx, cfg, "/api/connections")
	if err != nil {
		return fmt.Errorf("listing connections: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("listing connections: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var body gateway.ConnectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding connections: %w", err)
	}
	printConnections(os.Stdout, body)
	return nil
}

func printConnections(w io.Writer, body gateway.ConnectionsResponse) {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	for _, role := range registry.Roles {
		infos := body.Connections[role.String()]
		bold.Fprintf(w, "%s (%d)\n", role, len(infos))
		for _, c := range infos {
			fmt.Fprintf(w, "  %s", c.ID)
			if c.ParentID != "" {
				gray.Fprintf(w, " parent=%s", c.ParentID)
			}
			if c.ThreadID != "" {
				gray.Fprintf(w, " thread=%s", c.ThreadID)
			}
			if c.AgentType != "" {
				gray.Fprintf(w, " type=%s", c.AgentType)
			}
			gray.Fprintf(w, " since %s\n", c.ConnectedAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintf(w, "\n%d total\n", body.Total)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
