// ABOUTME: Entry point for pairroom-gateway, the collaborative coding room server
// ABOUTME: Subcommands: serve, health, token, version

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/pairroom/internal/auth"
	"github.com/2389/pairroom/internal/config"
	"github.com/2389/pairroom/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
             _
 _ __   __ _(_)_ __ _ __ ___   ___  _ __ ___
| '_ \ / _' | | '__| '__/ _ \ / _ \| '_ ' _ \
| |_) | (_| | | |  | | | (_) | (_) | | | | | |
| .__/ \__,_|_|_|  |_|  \___/ \___/|_| |_| |_|
|_|
`

func usage() {
	fmt.Println("Usage: pairroom-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the gateway server")
	fmt.Println("  health    Check gateway health")
	fmt.Println("  token     Mint an identity token for a user")
	fmt.Println("  version   Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "token":
		err = runToken(args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// defaultConfigPath returns the config path used when --config is not given.
// Priority: PAIRROOM_CONFIG env var > XDG_CONFIG_HOME/pairroom/gateway.yaml > ~/.config/pairroom/gateway.yaml
func defaultConfigPath() string {
	if envPath := os.Getenv("PAIRROOM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "pairroom", "gateway.yaml")
}

// dataPath returns the pairroom data directory.
// Priority: XDG_DATA_HOME/pairroom > ~/.local/share/pairroom
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "pairroom")
}

// loadConfig loads the config at path. A missing file is not an error when
// the path was not given explicitly; built-in defaults are used instead.
func loadConfig(path string, explicit bool) (*config.Config, string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		cfg := config.Default()
		cfg.Database.Path = filepath.Join(dataPath(), "gateway.db")
		return cfg, "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to gateway config file (yaml or toml)")
	return fs, configPath
}

func resolveConfig(flagPath string) (*config.Config, string, error) {
	if flagPath != "" {
		return loadConfig(flagPath, true)
	}
	return loadConfig(defaultConfigPath(), os.Getenv("PAIRROOM_CONFIG") != "")
}

func runServe(ctx context.Context, args []string) error {
	fs, flagPath := newFlagSet("serve")
	httpAddr := fs.String("http-addr", "", "override server.http_addr")
	logLevel := fs.String("log-level", "", "override logging.level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, configPath, err := resolveConfig(*flagPath)
	if err != nil {
		return err
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	printStartup(cfg, configPath)
	logger := setupLogger(cfg.Logging, os.Stdout)

	logger.Info("starting pairroom-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context, args []string) error {
	fs, flagPath := newFlagSet("health")
	ready := fs.Bool("ready", false, "query /ready and print room statistics")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := resolveConfig(*flagPath)
	if err != nil {
		return err
	}

	path := "/health"
	if *ready {
		path = "/ready"
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", dialableAddr(cfg.Server.HTTPAddr), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	if *ready {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}

	fmt.Println("healthy")
	return nil
}

// printStartup shows the banner and the effective listen and backend settings.
func printStartup(cfg *config.Config, configPath string) {
	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	rows := [][2]string{
		{"Config", configPath},
		{"HTTP", cfg.Server.HTTPAddr},
	}
	if cfg.Server.GRPCAddr != "" {
		rows = append(rows, [2]string{"gRPC", cfg.Server.GRPCAddr})
	}
	rows = append(rows,
		[2]string{"Database", cfg.Database.Driver},
		[2]string{"Executor", cfg.Execution.Endpoint},
	)
	if cfg.Mirror.Enabled {
		rows = append(rows, [2]string{"Mirror", cfg.Mirror.RedisAddr + " " + cfg.Mirror.ChannelPrefix + "*"})
	}
	if ts := cfg.Tailscale; ts.Enabled {
		label := color.CyanString(ts.Hostname)
		if ts.Funnel {
			label += color.YellowString(" [funnel]")
		}
		if ts.Ephemeral {
			label += color.HiBlackString(" (ephemeral)")
		}
		rows = append(rows, [2]string{"Tailscale", label})
	}

	bullet := color.GreenString("    ▶ ")
	for _, row := range rows {
		fmt.Printf("%s%-10s %s\n", bullet, row[0]+":", row[1])
	}
	if cfg.Auth.JWTSecret == "" {
		color.Yellow("    ! identity tokens disabled (auth.jwt_secret unset)")
	}
	fmt.Println()
}

// dialableAddr turns a wildcard listen address into one a client can dial.
func dialableAddr(addr string) string {
	switch {
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	case strings.HasPrefix(addr, ":"):
		return "127.0.0.1" + addr
	}
	return addr
}

// runToken mints an identity token signed with auth.jwt_secret, for local
// development and for testing deployments that trust this gateway's secret.
func runToken(args []string) error {
	fs, flagPath := newFlagSet("token")
	userID := fs.String("user", "", "user id (token subject)")
	username := fs.String("name", "", "display name (defaults to user id)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := strings.TrimSpace(*userID)
	if id == "" {
		return errors.New("--user is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}
	name := strings.TrimSpace(*username)
	if name == "" {
		name = id
	}

	cfg, configPath, err := resolveConfig(*flagPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(id, name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}
