package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-groupchat/groupchat/internal/api"
	"github.com/go-groupchat/groupchat/internal/config"
	"github.com/go-groupchat/groupchat/internal/database"
	"github.com/go-groupchat/groupchat/internal/notify"
	"github.com/go-groupchat/groupchat/internal/server"
	"github.com/go-groupchat/groupchat/internal/stats"
	_ "github.com/lib/pq"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configPath     string
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to YAML config file (overrides other flags)")
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=groupchat sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[groupchat] ", log.LstdFlags)

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	}
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(logger, mux)

	chatServer, err := server.NewChatServer(logger, dbConn, statsUpdater, notify.NewLogNotifier(logger), server.Options{
		TypingTTL:     cfg.TypingTTL,
		OfflineGrace:  cfg.OfflineGrace,
		SweepInterval: cfg.SweepInterval,
		SessionRate:   cfg.SessionRate,
		SessionBurst:  cfg.SessionBurst,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewGroupChatApp(mux, logger, chatServer, dbConn, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
