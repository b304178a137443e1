// ABOUTME: Entry point for coven-endpoint, the TLS hub agents connect to
// ABOUTME: Subcommands: serve, init, health, agents

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-endpoint/internal/config"
	"github.com/2389/coven-endpoint/internal/conn"
	"github.com/2389/coven-endpoint/internal/tlsutil"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __         ___ _ __   __| |_ __   ___ (_)_ __ | |_
 / __/ _ \ \ / / _ \ '_ \ _____ / _ \ '_ \ / _' | '_ \ / _ \| | '_ \| __|
| (_| (_) \ V /  __/ | | |_____|  __/ | | | (_| | |_) | (_) | | | | | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_| .__/ \___/|_|_| |_|\__|
                                                |_|
`

// devCertValidity is how long the certificate written by init stays valid.
const devCertValidity = 365 * 24 * time.Hour

// getConfigPath returns the path to the endpoint config file.
// Priority: COVEN_ENDPOINT_CONFIG env var > XDG_CONFIG_HOME/coven/endpoint.yaml > ~/.config/coven/endpoint.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_ENDPOINT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "endpoint.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "endpoint.yaml")
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

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-endpoint <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the endpoint")
		fmt.Println("  init     Create a config file and a development certificate")
		fmt.Println("  health   Check endpoint health")
		fmt.Println("  agents   List connected agents")
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
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
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

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
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
	fmt.Printf("Agents:    :%d (tls)\n", cfg.Server.Port)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.TLS.ClientCAFile != "" {
		green.Print("    ▶ ")
		fmt.Print("mTLS:      ")
		yellow.Println("client certificates required")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-endpoint",
		"config", configPath,
		"port", cfg.Server.Port,
		"http_addr", cfg.Server.HTTPAddr,
	)

	return serve(ctx, cfg, logger)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not configured")
	}

	body, err := httpGet(ctx, fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Println("healthy: " + string(body))
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not configured")
	}

	body, err := httpGet(ctx, fmt.Sprintf("http://%s/api/agents", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	var agents []conn.Info
	if err := json.Unmarshal(body, &agents); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("No agents connected")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, color.New(color.Bold).Sprint("AGENT\tINSTANCE\tREMOTE\tCONNECTED"))
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.AgentID,
			a.InstanceID,
			a.RemoteAddr,
			time.Since(a.ConnectedAt).Round(time.Second),
		)
	}
	return w.Flush()
}

func httpGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-endpoint configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	portStr := prompt(reader, "Agent port", strconv.Itoa(config.DefaultPort))
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	source := prompt(reader, "Source tag", config.DefaultSource)
	httpAddr := prompt(reader, "HTTP address (empty disables)", "127.0.0.1:8443")

	// TLS
	fmt.Println("\n--- TLS Configuration ---")
	certFile := prompt(reader, "Certificate file", filepath.Join(defaultDataPath, "endpoint.crt"))
	keyFile := prompt(reader, "Key file", filepath.Join(defaultDataPath, "endpoint.key"))
	generate := false
	if _, err := os.Stat(certFile); os.IsNotExist(err) {
		generate = isYes(prompt(reader, "Certificate not found. Generate a self-signed one?", "yes"))
	}
	var certHosts []string
	if generate {
		hosts := prompt(reader, "Certificate hosts (comma separated)", "localhost,127.0.0.1")
		for h := range strings.SplitSeq(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				certHosts = append(certHosts, h)
			}
		}
	}

	// Hub
	fmt.Println("\n--- Hub Configuration ---")
	duplicatePolicy := prompt(reader, "Duplicate agent policy (reject/replace)", config.DefaultDuplicatePolicy)
	overflowPolicy := prompt(reader, "Slow consumer policy (drop_oldest/close)", config.DefaultOverflowPolicy)

	// Database
	fmt.Println("\n--- Connection Ledger ---")
	dbPath := prompt(reader, "SQLite database path (empty disables)", filepath.Join(defaultDataPath, "endpoint.db"))

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "coven-endpoint")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-endpoint configuration\n")
	cfg.WriteString("# Generated by coven-endpoint init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  port: %d\n", port))
	cfg.WriteString(fmt.Sprintf("  source: \"%s\"\n", source))
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("tls:\n")
	cfg.WriteString(fmt.Sprintf("  cert_file: \"%s\"\n", certFile))
	cfg.WriteString(fmt.Sprintf("  key_file: \"%s\"\n", keyFile))
	cfg.WriteString("  min_version: \"1.2\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("hub:\n")
	cfg.WriteString(fmt.Sprintf("  buffer_size: %d\n", config.DefaultBufferSize))
	cfg.WriteString(fmt.Sprintf("  overflow_policy: \"%s\"\n", overflowPolicy))
	cfg.WriteString(fmt.Sprintf("  duplicate_policy: \"%s\"\n", duplicatePolicy))
	cfg.WriteString("  handshake_timeout: \"10s\"\n")
	cfg.WriteString("  init_timeout: \"30s\"\n")
	cfg.WriteString("  shutdown_timeout: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("features:\n")
	cfg.WriteString("  ping:\n    enabled: true\n")
	cfg.WriteString("  tap:\n    enabled: true\n")

	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if generate {
		if err := writeDevCertificate(certFile, keyFile, certHosts); err != nil {
			return err
		}
		fmt.Printf("Generated self-signed certificate for %s\n", strings.Join(certHosts, ", "))
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the endpoint:")
	fmt.Printf("  coven-endpoint serve\n")

	return nil
}

func writeDevCertificate(certFile, keyFile string, hosts []string) error {
	certPEM, keyPEM, err := tlsutil.SelfSigned(hosts, devCertValidity)
	if err != nil {
		return fmt.Errorf("generating certificate: %w", err)
	}
	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating certificate directory: %w", err)
		}
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
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

func isYes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}
