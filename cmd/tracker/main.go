// tracker - DayZ ADM log ingestion and player tracking
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/ernie/dayz-tracker/internal/api"
	"github.com/ernie/dayz-tracker/internal/auth"
	"github.com/ernie/dayz-tracker/internal/bus"
	"github.com/ernie/dayz-tracker/internal/collector"
	"github.com/ernie/dayz-tracker/internal/config"
	"github.com/ernie/dayz-tracker/internal/storage"
	"github.com/ernie/dayz-tracker/internal/track"
)

var version = "dev"

const defaultConfigPath = "/etc/dayz-tracker/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "targets":
		cmdTargets(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "version":
		fmt.Printf("tracker %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: tracker <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the ingestion server")
	fmt.Println("  status                       Show per-guild polling status")
	fmt.Println("  targets                      List presence-tracking targets")
	fmt.Println("  user add [--admin] <username>")
	fmt.Println("                               Add an API user (prompts for password)")
	fmt.Println("  user remove <username>       Remove an API user")
	fmt.Println("  user list                    List all API users")
	fmt.Println("  user reset <username>        Reset a user's password")
	fmt.Println("  version                      Show version")
	fmt.Println("  help                         Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/dayz-tracker/config.yml)")
	fmt.Println("  --url <url>        Base URL of the tracker server (default: derived from config)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  tracker serve --config /etc/dayz-tracker/config.yml")
	fmt.Println("  tracker user add --admin myuser")
	fmt.Println("  tracker targets")
}

// newLogger builds the process logger from config
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

// cmdServe starts the ingestion server
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			fmt.Fprintf(os.Stderr, "No config file found at %s. Use --config to specify a config file.\n", defaultConfigPath)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)
	log.Info().Str("version", version).Int("guilds", len(cfg.Guilds)).Msg("tracker starting")

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing database")
	}
	defer store.Close()
	log.Info().Str("path", cfg.Database.Path).Msg("database initialized")

	events, err := bus.New(log)
	if err != nil {
		log.Fatal().Err(err).Msg("starting event bus")
	}
	defer events.Close()

	tracks := track.NewStore(track.Options{
		DB:             store,
		Publisher:      events,
		MaxPoints:      cfg.Tracker.MaxPointsPerPlayer,
		FlushThreshold: cfg.Tracker.FlushThreshold,
		FlushInterval:  cfg.Tracker.FlushInterval,
		Log:            log,
	})
	tracks.Start()

	manager := collector.NewManager(cfg, store, tracks, events, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("starting guild manager")
	}

	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("no JWT secret configured, auth tokens will use an empty secret")
	}
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)

	router := api.NewRouter(store, manager, tracks, events, authService, log)
	if err := router.StartWebSocketHub(); err != nil {
		log.Fatal().Err(err).Msg("starting websocket hub")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("http server failed")
	}

	// Sequential shutdown: stop accepting requests, stop polling, then
	// flush buffered points.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	manager.Stop()
	tracks.Stop()
	cancel()
	log.Info().Msg("shutdown complete")
}

// CLI helper variables
var (
	baseURL = "http://localhost:8080"
	dbPath  string
)

// loadCLIConfigFromFlags loads config using pre-parsed flag values
func loadCLIConfigFromFlags(configPath, url string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", configPath, err)
		dbPath = "/var/lib/dayz-tracker/tracker.db"
		if url != "" {
			baseURL = url
		}
		return nil
	}

	dbPath = cfg.Database.Path
	if url != "" {
		baseURL = url
	} else {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	}
	return cfg
}

func loadCLIConfig(args []string) (*config.Config, []string) {
	fs := flag.NewFlagSet("cli", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the tracker server")
	fs.Parse(args)

	cfg := loadCLIConfigFromFlags(*configPath, *url)
	return cfg, fs.Args()
}

// getJSON fetches a JSON document from the running server
func getJSON(path string, out interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the tracker server")
	fs.Parse(args)

	loadCLIConfigFromFlags(*configPath, *url)

	var guilds []map[string]interface{}
	if err := getJSON("/api/guilds", &guilds); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GUILD\tFILE\tOFFSET\tSIZE\tLAST TICK\tERROR")
	fmt.Fprintln(w, "-----\t----\t------\t----\t---------\t-----")

	for _, g := range guilds {
		guildID := int64(g["guild_id"].(float64))

		file := "-"
		if f, ok := g["file_name"].(string); ok && f != "" {
			file = f
		}
		offset := int64(0)
		if o, ok := g["offset"].(float64); ok {
			offset = int64(o)
		}
		size := int64(0)
		if s, ok := g["file_size"].(float64); ok {
			size = int64(s)
		}
		lastTick := "-"
		if t, ok := g["last_tick"].(string); ok && t != "" {
			lastTick = formatTime(t)
		}
		lastErr := "-"
		if e, ok := g["last_error"].(string); ok && e != "" {
			lastErr = e
		}

		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n", guildID, file, offset, size, lastTick, lastErr)
	}

	w.Flush()
}

func cmdTargets(args []string) {
	fs := flag.NewFlagSet("targets", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the tracker server")
	guildID := fs.Int64("guild", 0, "filter by guild id")
	fs.Parse(args)

	loadCLIConfigFromFlags(*configPath, *url)

	// Targets are read straight from the database so the command works
	// without API credentials.
	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	targets, err := store.ListTargets(context.Background(), *guildID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GUILD\tGAMERTAG\tSINCE")
	fmt.Fprintln(w, "-----\t--------\t-----")
	for _, t := range targets {
		fmt.Fprintf(w, "%d\t%s\t%s\n", t.GuildID, t.Gamertag, t.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

// formatTime renders an RFC3339 stamp for terminal output
func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// cmdUser handles user subcommands
func cmdUser(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: user subcommand required: add, remove, list, reset\n")
		os.Exit(1)
	}

	subCmd := args[0]
	_, remaining := loadCLIConfig(args[1:])

	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	switch subCmd {
	case "add":
		err = cmdUserAdd(ctx, store, remaining)
	case "remove":
		err = cmdUserRemove(ctx, store, remaining)
	case "list":
		err = cmdUserList(ctx, store)
	case "reset":
		err = cmdUserReset(ctx, store, remaining)
	default:
		err = fmt.Errorf("unknown user command: %s (use: add, remove, list, reset)", subCmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdUserAdd(ctx context.Context, store *storage.Store, args []string) error {
	fs := flag.NewFlagSet("user add", flag.ExitOnError)
	isAdmin := fs.Bool("admin", false, "create as admin user")
	fs.Parse(args)

	remaining := fs.Args()
	if len(remaining) < 1 {
		return fmt.Errorf("usage: tracker user add [--admin] <username>")
	}
	username := remaining[0]

	existing, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("user '%s' already exists", username)
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.CreateUser(ctx, username, hash, *isAdmin); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	roleStr := "user"
	if *isAdmin {
		roleStr = "admin"
	}
	fmt.Printf("User '%s' created successfully (role: %s)\n", username, roleStr)
	return nil
}

func cmdUserRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tracker user remove <username>")
	}
	removed, err := store.DeleteUser(ctx, args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("user '%s' not found", args[0])
	}
	fmt.Printf("User '%s' removed\n", args[0])
	return nil
}

func cmdUserList(ctx context.Context, store *storage.Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tCREATED")
	fmt.Fprintln(w, "--------\t----\t-------")
	for _, u := range users {
		role := "user"
		if u.IsAdmin {
			role = "admin"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.Username, role, u.CreatedAt.Format("2006-01-02"))
	}
	return w.Flush()
}

func cmdUserReset(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tracker user reset <username>")
	}
	username := args[0]

	existing, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("user '%s' not found", username)
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.UpdateUserPassword(ctx, username, hash); err != nil {
		return err
	}
	fmt.Printf("Password for '%s' updated\n", username)
	return nil
}

// promptPassword reads and confirms a password from the terminal
func promptPassword() (string, error) {
	fmt.Print("Enter password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(password) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(password), nil
}
