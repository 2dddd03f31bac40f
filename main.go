package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatserver/config"
	"chatserver/db"
	"chatserver/logger"
	"chatserver/metrics"
	"chatserver/server"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.Env, cfg.LogLevel)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()

	srvConfig := &server.ServerConfig{
		Port:               cfg.Port,
		ReadTimeout:        time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:       time.Duration(cfg.WriteTimeout) * time.Second,
		QueryTimeout:       time.Duration(cfg.QueryTimeout) * time.Millisecond,
		SendQueueSize:      cfg.SendQueueSize,
		DedupWindow:        time.Duration(cfg.DedupWindow) * time.Millisecond,
		PublicHistoryLimit: cfg.PublicHistoryLimit,
		SearchLimit:        cfg.SearchLimit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	srv, err := server.New(ctx, database, srvConfig)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load caches")
	}

	if cfg.MetricsAddr != "" {
		go startMetrics(cfg.MetricsAddr)
	}
	if cfg.ControlSocket != "" {
		go startControlSocket(srv, cfg.ControlSocket)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Shutdown("maintenance")
	}()

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	// Give drained send queues a moment to reach the clients.
	time.Sleep(200 * time.Millisecond)
	if cfg.ControlSocket != "" {
		os.Remove(cfg.ControlSocket)
	}
}

func startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics endpoint failed")
	}
}

func startControlSocket(srv *server.Server, path string) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Error().Err(err).Msg("failed to create control socket")
		return
	}
	defer listener.Close()

	log.Info().Str("path", path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		go handleControlCommand(srv, conn)
	}
}

// handleControlCommand serves one "stats" or "shutdown|reason" line.
func handleControlCommand(srv *server.Server, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		log.Info().Str("reason", reason).Msg("shutdown requested")
		srv.Shutdown(reason)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
