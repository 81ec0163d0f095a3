// Command relaychat-server runs the relaychat messaging server: a TCP
// listener for native clients, an optional WebSocket bridge for browser
// clients, and an internal metrics endpoint.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/relaychat/pkg/server"
	"github.com/aeolun/relaychat/pkg/store"
)

var version = "dev" // set via ldflags at build time

func main() {
	configPath := flag.String("config", "~/.relaychat/server.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	memory := flag.Bool("memory", false, "Use an in-memory store (all state lost on exit)")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relaychat-server %s\n", version)
		os.Exit(0)
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	serverConfig := config.ToServerConfig()
	if *port != 0 {
		serverConfig.TCPPort = *port
	}

	var st store.UserStore
	if *memory {
		log.Println("Using in-memory store (state will not survive restart)")
		st = store.NewMemoryStore()
	} else {
		path := *dbPath
		if path == "" {
			path, err = config.GetDatabasePath()
			if err != nil {
				log.Fatalf("Failed to resolve database path: %v", err)
			}
		}
		log.Printf("Opening database at %s", path)
		st, err = store.OpenSQLite(path)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
	}

	srv, err := server.NewServer(st, serverConfig)
	if err != nil {
		st.Close()
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("relaychat-server %s listening on port %d", version, serverConfig.TCPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
