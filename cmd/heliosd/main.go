package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/helios-os/helios/internal/config"
	"github.com/helios-os/helios/internal/server"
)

func main() {
	port := flag.String("port", "", "introspection server port (overrides config)")
	host := flag.String("host", "", "introspection server host (overrides config)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	srv := server.New(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		log.Println("shutting down")
		if err := srv.Close(); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Fatalf("server error: %v", err)
	}
}
