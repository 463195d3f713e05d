package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/justchat/justchat/internal/auth"
	"github.com/justchat/justchat/internal/config"
	"github.com/justchat/justchat/internal/server"
)

type JustChatApp struct {
	log            *log.Logger
	auth           *auth.Authenticator
	cs             *server.ChatServer
	mux            *http.Server
	allowedOrigins []string
}

func NewJustChatApp(mux *http.ServeMux, logger *log.Logger, authenticator *auth.Authenticator,
	cs *server.ChatServer, cfg *config.Config) *JustChatApp {
	s := &JustChatApp{
		log:            logger,
		auth:           authenticator,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/guest", s.guestCredential)
	mux.HandleFunc("POST /api/auth/verify", s.verifyCredential)
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *JustChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *JustChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
