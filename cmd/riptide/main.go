package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"riptide/internal/clients/notifications"
	"riptide/internal/config"
	"riptide/internal/core"
	"riptide/internal/database"
	"riptide/internal/database/models"
	"riptide/internal/discovery"
	"riptide/internal/handlers"
	"riptide/internal/utils"
)

func main() {
	configPath := flag.String("config", "config.yml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	if err := os.MkdirAll(cfg.App.DataPath, 0755); err != nil {
		log.Fatal("Failed to create data directory:", err)
	}

	// Initialize logger to write to both file and console
	logFile, err := os.OpenFile(filepath.Join(cfg.App.DataPath, "app.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	multiWriter := io.MultiWriter(os.Stdout, logFile)
	logger := utils.NewLogger(cfg.App.Debug, multiWriter)

	// Initialize database
	db, err := database.NewSQLite(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	// Run migrations
	if err := database.RunMigrations(db); err != nil {
		logger.Fatal("Failed to run migrations:", err)
	}

	// Peer discovery sources
	var sources []core.PeerSource
	if cfg.Discovery.UseTrackers {
		sources = append(sources, discovery.NewTrackerSource(logger))
	}
	if cfg.Discovery.UseDHT {
		sources = append(sources, discovery.NewDHTSource(logger))
	}

	// Completion notifications
	var notifier notifications.Notifier
	if cfg.Notifications.PushbulletAPIKey != "" {
		pb := notifications.NewPushbulletClient(cfg.Notifications.PushbulletAPIKey, logger)
		if err := pb.Test(); err != nil {
			logger.Warn("Pushbullet disabled:", err)
		} else {
			notifier = pb
		}
	}

	// Create manager
	repo := models.NewTorrentRepository(db)
	manager := core.NewManager(cfg, repo, sources, notifier, logger)
	if err := manager.Start(); err != nil {
		logger.Fatal("Failed to start session manager:", err)
	}

	// Start web server
	server := handlers.NewServer(cfg, manager, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("Server failed to start:", err)
		}
	}()

	logger.Info("Riptide started successfully on port", cfg.App.Port)

	// Wait for interrupt
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Stop(ctx)
	manager.Stop()
}
