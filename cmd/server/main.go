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

	"github.com/redis/go-redis/v9"
	"github.com/teris-io/shortid"

	"github.com/justchat/justchat/internal/api"
	"github.com/justchat/justchat/internal/auth"
	"github.com/justchat/justchat/internal/config"
	"github.com/justchat/justchat/internal/presence"
	"github.com/justchat/justchat/internal/ratelimit"
	"github.com/justchat/justchat/internal/relay"
	"github.com/justchat/justchat/internal/server"
	"github.com/justchat/justchat/internal/stats"
	"github.com/justchat/justchat/internal/store"
	"github.com/justchat/justchat/internal/typing"
)

const defaultSigningKey = "x2r9y1nNQ5mPZBnJ1dfPhBPfXyKRW0dVxgUUSEBXy0g="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	redisAddr      string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:4000", "server address")
	flag.StringVar(&redisAddr, "redis-addr", "localhost:6379", "redis address")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[justchat] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, redisAddr, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	defer rdb.Close()

	// the instance must not serve connections without its shared
	// backend: presence, typing, rate limiting and the relay all live
	// there
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatalf("redis unreachable at %s: %v", cfg.RedisAddr, err)
	}
	cancel()

	instanceId, err := shortid.Generate()
	if err != nil {
		logger.Fatal("generate instance id:", err)
	}
	logger.Printf("instance id: %s", instanceId)

	kv := store.NewRedisStore(rdb)
	presenceStore := presence.NewStore(kv, logger)
	typingTracker := typing.NewTracker(kv)
	limiter := ratelimit.NewLimiter(rdb, ratelimit.DefaultLimit, ratelimit.DefaultWindow)

	rel, err := relay.NewRelay(context.Background(), rdb, instanceId, logger)
	if err != nil {
		logger.Fatal("relay:", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, presenceStore, typingTracker, limiter, rel, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	authenticator := auth.NewAuthenticator(cfg.SigningKey)
	app := api.NewJustChatApp(mux, logger, authenticator, chatServer, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go rel.Run(chatServer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
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

	if err := app.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	if err := rel.Close(); err != nil {
		logger.Println("relay close:", err)
	}

	logger.Println("shutdown complete")
}
