package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/awnumar/memguard"

	"github.com/aeolun/securechat/pkg/server"
)

func main() {
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	configPath := flag.String("config", "~/.securechat/config.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Write debug logging to debug.log in the data directory")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// A bare port argument is accepted as well as -port
	if flag.NArg() > 0 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil || p < 0 || p > 65535 {
			log.Fatalf("Invalid port %q", flag.Arg(0))
		}
		*port = p
	}

	if err := server.InitLogging(); err != nil {
		log.Printf("Failed to initialize error log, continuing with stderr: %v", err)
	}
	if *debug {
		server.EnableDebugLogging()
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToServerConfig()
	if *port != 0 {
		config.TCPPort = *port
	}

	srv := server.NewServer(config)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("SecureChat server listening on %s (framing=%s, require_encryption=%v)",
		srv.Addr(), config.Framing, config.RequireEncryption)
	if config.HTTPPort > 0 {
		log.Printf("WebSocket endpoint on :%d/ws", config.HTTPPort)
	}
	if config.MetricsPort > 0 {
		log.Printf("Metrics on :%d/metrics", config.MetricsPort)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	// Wipe any key material still held in locked memory
	memguard.Purge()
	log.Printf("Server stopped")
}
