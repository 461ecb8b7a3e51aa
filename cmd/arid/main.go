package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ari-OS/ARI-sub004/internal/audit"
	"github.com/Ari-OS/ARI-sub004/internal/bus"
	"github.com/Ari-OS/ARI-sub004/internal/config"
	"github.com/Ari-OS/ARI-sub004/internal/policy"
	"github.com/Ari-OS/ARI-sub004/internal/registry"
	"github.com/Ari-OS/ARI-sub004/internal/router"
	"github.com/Ari-OS/ARI-sub004/internal/server"
	"github.com/Ari-OS/ARI-sub004/internal/session"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting control plane...")
	log.Printf("Address: %s:%d", cfg.Host, cfg.Port)
	log.Printf("Session dir: %s", cfg.SessionDir)
	log.Printf("Audit DB: %s", cfg.AuditDB)

	// Initialize audit sink
	sink, err := audit.NewSQLiteSink(cfg.AuditDB)
	if err != nil {
		log.Fatalf("Failed to initialize audit sink: %v", err)
	}
	defer sink.Close()

	// Initialize event bus
	eventBus := bus.New()

	// Initialize session store and restore persisted records
	fileStore, err := session.NewFileStore(cfg.SessionDir)
	if err != nil {
		log.Fatalf("Failed to initialize session store: %v", err)
	}
	defer fileStore.Close()

	store := session.NewStore(fileStore)
	restored, err := store.Restore()
	if err != nil {
		log.Fatalf("Failed to restore sessions: %v", err)
	}
	log.Printf("Restored %d session(s)", restored)

	// Initialize session lifecycle manager
	manager := session.NewManager(store, eventBus, sink, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	// Initialize admission policy and client registry
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}
	clients := registry.New(policyEngine, cfg.AdminToken)

	// Initialize message router
	rt := router.New(eventBus, clients, manager)
	rt.Bind()
	defer rt.Close()

	// Start the control-plane server
	srv := server.New(cfg, clients, rt, manager, sink)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start control plane: %v", err)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down control plane...")
	srv.Stop()
	log.Println("Control plane stopped")
}
