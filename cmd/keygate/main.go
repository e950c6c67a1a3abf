package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hazelgames/keygate/internal/api"
	"github.com/hazelgames/keygate/internal/config"
	"github.com/hazelgames/keygate/internal/database"
	"github.com/hazelgames/keygate/internal/licenseclient"
	"github.com/hazelgames/keygate/internal/mailwatch"
	"github.com/hazelgames/keygate/internal/metrics"
	"github.com/hazelgames/keygate/internal/models"
	"github.com/hazelgames/keygate/internal/services"
)

var (
	Version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "keygate",
	Short: "License key service for game purchases",
	Long: `keygate issues and validates per-device license keys for game
purchases, and emails keys to buyers after order-confirmation emails arrive.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the order-email watcher",
	Long: `Polls the configured IMAP mailbox for unseen order-confirmation
emails, issues one license per purchased unit via the keygate API and emails
the keys to the buyer.`,
	Run: func(cmd *cobra.Command, args []string) {
		runWatcher()
	},
}

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config",
	Short: "Generate a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		path, err := config.Generate(dir)
		if err != nil {
			return err
		}
		fmt.Printf("Config file generated: %s\n", path)
		return nil
	},
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage admin API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an admin API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		db, err := database.New(cfg.GetDatabasePath())
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		rawKey, apiKey, err := models.NewAPIKeyStore(db.Conn()).Create(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to create API key: %w", err)
		}

		fmt.Printf("API key %q created. Store it now, it will not be shown again:\n%s\n", apiKey.Name, rawKey)
		return nil
	},
}

func init() {
	cobra.OnInitialize(initLogger)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is OS-specific, e.g. ~/.config/keygate/config.toml)")
	rootCmd.Version = Version

	generateConfigCmd.Flags().String("dir", "", "directory to write the config file to")

	apikeyCmd.AddCommand(apikeyCreateCmd)
	rootCmd.AddCommand(watchCmd, generateConfigCmd, apikeyCmd)
}

func initLogger() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServer() {
	log.Info().Str("version", Version).Msg("Starting keygate server")

	cfg, err := config.New(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	cfg.ApplyLogConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	licenseStore := models.NewLicenseStore(db.Conn())
	eventStore := models.NewWebhookEventStore(db.Conn())
	apiKeyStore := models.NewAPIKeyStore(db.Conn())

	licenseService := services.NewLicenseService(licenseStore, eventStore, cfg.Config.License)
	metricsManager := metrics.NewManager()

	deps := &api.Dependencies{
		Config:         cfg,
		DB:             db.Conn(),
		LicenseService: licenseService,
		APIKeyStore:    apiKeyStore,
		Metrics:        metricsManager,
	}

	router := api.NewRouter(deps)

	// If baseURL is configured, mount the entire app under that path
	var handler http.Handler
	if cfg.Config.BaseURL != "" && cfg.Config.BaseURL != "/" {
		parentRouter := chi.NewRouter()

		mountPath := strings.TrimSuffix(cfg.Config.BaseURL, "/")
		parentRouter.Mount(mountPath, router)

		parentRouter.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, cfg.Config.BaseURL, http.StatusMovedPermanently)
		})

		handler = parentRouter
	} else {
		handler = router
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  180 * time.Second,
	}

	go func() {
		log.Info().Str("address", srv.Addr).Msg("Starting HTTP server")
		if cfg.Config.BaseURL != "" {
			log.Info().Str("baseURL", cfg.Config.BaseURL).Msg("Serving under base URL")
		}

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func runWatcher() {
	log.Info().Str("version", Version).Msg("Starting keygate mail watcher")

	cfg, err := config.New(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	cfg.ApplyLogConfig()

	licenseClient := licenseclient.New(cfg.Config.Watcher.APIURL)
	mailer := mailwatch.NewMailer(cfg.Config.SMTP, cfg.Config.License.ProductName)
	metricsManager := metrics.NewManager()

	watcher := mailwatch.NewWatcher(cfg.Config, licenseClient, mailer, metricsManager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down mail watcher...")
		cancel()
	}()

	watcher.Start(ctx)

	log.Info().Msg("Mail watcher stopped")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
