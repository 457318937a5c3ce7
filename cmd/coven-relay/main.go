// ABOUTME: Entry point for coven-relay, the background relay of the coven extension
// ABOUTME: Serves the message bus and options store, and talks to a running relay

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/transport"
	"github.com/2389/coven-relay/internal/transport/wsnet"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
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

func printUsage() {
	fmt.Println("Usage: coven-relay <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the relay")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  health                         Check relay health")
	fmt.Println("  ready                          Check whether migrations finished")
	fmt.Println("  status                         Show version, readiness, peers and methods")
	fmt.Println("  call <method> [json] [--silent] Send a bus request to the background")
	fmt.Println("  options [get [--local]|update <json>|reset|provider [name]]")
	fmt.Println("                                 Read or change the extension options;")
	fmt.Println("                                 --local reads the storage file once the relay is ready")
	fmt.Println("  probe [--tab N] [--url GLOB]   Ask a content frame to describe itself")
	fmt.Println("  token <ui-name|tab:frame>      Mint a peer token from the configured secret")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx, "/health")
	case "ready":
		err = runHealth(ctx, "/ready")
	case "status":
		err = runStatus(ctx)
	case "call":
		err = runCall(ctx, args)
	case "options":
		err = runOptions(ctx, args)
	case "probe":
		err = runProbe(ctx, args)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
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
	fmt.Printf("Peers:     ws://%s%s", cfg.Server.HTTPAddr, cfg.Server.WSPath)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print(" [no auth]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s", cfg.Storage.Backend)
	if cfg.Storage.Path != "" {
		gray.Printf(" (%s)", cfg.Storage.Path)
	}
	fmt.Println()
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"extension_version", cfg.Extension.Version,
	)

	r, err := relay.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return r.Run(ctx)
}

func runHealth(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runToken mints a token for a UI surface ("popup") or a content frame ("12:0").
func runToken(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: coven-relay token <ui-name|tab:frame>")
	}
	dest, err := parseDestination(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := wsnet.NewTokenVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}
	token, err := verifier.Generate(dest, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func parseDestination(s string) (transport.Destination, error) {
	var tab, frame int
	if n, err := fmt.Sscanf(s, "%d:%d", &tab, &frame); err == nil && n == 2 {
		if tab <= 0 || frame < 0 {
			return transport.Destination{}, fmt.Errorf("invalid tab:frame %q", s)
		}
		return transport.Tab(tab, frame, ""), nil
	}
	if s == "" || s == string(transport.KindBackground) {
		return transport.Destination{}, fmt.Errorf("invalid destination %q", s)
	}
	return transport.UI(s), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDBPath := filepath.Join(getDataPath(), "relay.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Println("\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", cfg.Server.HTTPAddr)
	cfg.Server.WSPath = prompt(reader, "Websocket path", cfg.Server.WSPath)

	fmt.Println("\n--- Storage Configuration ---")
	cfg.Storage.Backend = prompt(reader, "Backend (sqlite/sqlite3/leveldb/memory)", cfg.Storage.Backend)
	if cfg.Storage.Backend != "memory" {
		defaultPath := defaultDBPath
		if cfg.Storage.Backend == "leveldb" {
			defaultPath = filepath.Join(getDataPath(), "relay.ldb")
		}
		cfg.Storage.Path = prompt(reader, "Storage path", defaultPath)
	}

	fmt.Println("\n--- Auth Configuration ---")
	if isYes(prompt(reader, "Require peer tokens?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		cfg.Auth.JWTSecret = secret
	}

	fmt.Println("\n--- Logging Configuration ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)

	cfg.Metrics.Enabled = isYes(prompt(reader, "Expose Prometheus metrics?", "no"))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Write(outputFile); err != nil {
		return err
	}

	if cfg.Storage.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	if cfg.Auth.JWTSecret != "" {
		green.Println("  ✓ Generated a peer token secret")
	}
	fmt.Println("\nTo start the relay:")
	if outputFile != defaultConfigPath {
		fmt.Printf("  COVEN_RELAY_CONFIG=%s coven-relay serve\n", outputFile)
	} else {
		fmt.Println("  coven-relay serve")
	}

	return nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
