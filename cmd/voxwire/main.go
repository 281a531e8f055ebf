package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/mcp"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/tools"
	"github.com/voxwire/voxwire/internal/transport"
	"github.com/voxwire/voxwire/pkg/Logger"
)

// Device-side entry point. Loads configuration, builds the configured
// transport binding and keeps one session open until interrupted.
func main() {
	// fetch cfg
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// load global logger
	logger := Logger.New(cfg.Debug)
	logger.Info("Logger initialized")

	// device capability catalog
	registry := mcp.NewMemoryRegistry()
	device := tools.NewDeviceState()
	if err := tools.Register(registry, device); err != nil {
		logger.Fatalf("Failed to build tool catalog: %v", err)
	}
	rpc := mcp.NewEngine(registry, mcp.Implementation{Name: "voxwire", Version: "1.0.0"}, logger.Named("mcp"))

	proto, err := transport.New(cfg, logger.Named("transport"))
	if err != nil {
		logger.Fatalf("Failed to build transport: %v", err)
	}

	machine := session.NewMachine(cfg.Protocol.AutoListen, logger.Named("fsm"))
	sess := session.New(proto, rpc, machine, cfg.Protocol.ListenMode, cfg.Protocol.AutoListen, logger.Named("session"))

	sess.OnTranscript(func(text string) {
		logger.Infof("transcript: %s", text)
	})
	sess.OnEmotion(func(emotion string) {
		logger.Debugf("emotion: %s", emotion)
	})
	machine.OnTransition(func(from, to string) {
		logger.Debugf("session %s -> %s", from, to)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opened, err := sess.Open(ctx)
	if err != nil {
		logger.Fatalf("Failed to open session: %v", err)
	}
	logger.Infof("Session %s up over %s", opened.ID, opened.Transport)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sess.Close()
	logger.Info("Shutdown system")
}
