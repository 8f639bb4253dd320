package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"retouch/internal/backend"
	"retouch/internal/config"
	"retouch/internal/images"
	"retouch/internal/logging"
	"retouch/internal/metrics"
	"retouch/internal/scheduler"
	serverhttp "retouch/internal/server/http"
	"retouch/internal/service"
	"retouch/internal/session"
	"retouch/internal/task"
	"retouch/internal/webhook"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "retouch-server",
		Short: "Conversational image editing service",
		Long:  "retouch-server exposes session-based image generation and editing over HTTP, with asynchronous tasks and webhook notifications.",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}

	cmd.Flags().String("config", "", "Path to YAML config file")
	cmd.Flags().String("host", "", "Listen host")
	cmd.Flags().Int("port", 0, "Listen port")
	cmd.Flags().Bool("debug", false, "Enable debug logging and gin debug mode")

	_ = v.BindPFlag("config", cmd.Flags().Lookup("config"))
	_ = v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("server.debug", cmd.Flags().Lookup("debug"))
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("retouch-server", version)
		},
	}
}

var version = "dev"

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	// .env is optional; real deployments use the process environment.
	_ = godotenv.Load()

	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = v.GetString("server.host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if cmd.Flags().Changed("debug") {
		cfg.Server.Debug = v.GetBool("server.debug")
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting retouch-server...")
	logger.Info("Listen: %s:%d, backend: %s, model default: %q",
		cfg.Server.Host, cfg.Server.Port, cfg.Backend.Endpoint, cfg.Backend.DefaultModel)

	m := metrics.New()

	generator, err := backend.NewRemote(backend.RemoteConfig{
		Endpoint:      cfg.Backend.Endpoint,
		Secure1PSID:   cfg.Backend.Secure1PSID,
		Secure1PSIDTS: cfg.Backend.Secure1PSIDTS,
		Proxy:         cfg.Backend.Proxy,
	}, logging.NewComponentLogger("Backend"))
	if err != nil {
		return err
	}

	imageStore, err := images.NewStore(images.StoreConfig{
		OutputDir: cfg.Images.OutputDir,
		BaseURL:   cfg.Images.BaseURL,
		ProxyURL:  cfg.Backend.Proxy,
	}, logging.NewComponentLogger("Images"))
	if err != nil {
		return err
	}

	registry := task.NewRegistry(logging.NewComponentLogger("Registry"))
	sessions := session.NewStore(cfg.Session.MaxTurns, logging.NewComponentLogger("Sessions"))
	notifier := webhook.New(webhook.Config{
		MaxAttempts: cfg.Webhook.MaxAttempts,
		BaseDelay:   cfg.Webhook.BaseDelay,
	}, logging.NewComponentLogger("Webhook"), m)

	svc := service.New(service.Config{
		BackendTimeout: cfg.Backend.Timeout,
		MaxConcurrent:  int64(cfg.Backend.MaxConcurrent),
		DefaultModel:   cfg.Backend.DefaultModel,
	}, service.Deps{
		Generator: generator,
		Sessions:  sessions,
		Tasks:     registry,
		Notifier:  notifier,
		Images:    imageStore,
		Metrics:   m,
		Logger:    logging.NewComponentLogger("Service"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := scheduler.New(scheduler.Config{
		Enabled:  cfg.Retention.Enabled,
		Interval: cfg.Retention.Interval,
		TTL:      cfg.Retention.TTL,
	}, registry, logging.NewComponentLogger("Sweeper"))
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	imagesDir := ""
	if cfg.Images.BaseURL == "" {
		imagesDir = imageStore.OutputDir()
	}
	srv := serverhttp.NewServer(serverhttp.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		EnableCORS:   cfg.Server.EnableCORS,
		Debug:        cfg.Server.Debug,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Backend.Timeout + time.Minute,
		ImagesDir:    imagesDir,
	}, serverhttp.Deps{
		Service:  svc,
		Tasks:    registry,
		Sessions: sessions,
		Metrics:  m,
		Logger:   logging.NewComponentLogger("HTTP"),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		cancel()
		return err
	case sig := <-quit:
		logger.Info("Received %s, shutting down...", sig)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	<-sweeper.Done()

	logger.Info("Server stopped")
	return nil
}
