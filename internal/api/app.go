package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/shadow-rooms/internal/config"
	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/server"
)

type RoomsApp struct {
	log            *log.Logger
	db             database.RoomRepository
	cs             *server.ChatServer
	srv            *http.Server
	codes          *codeGenerator
	lockout        *lockout
	signingKey     []byte
	allowedOrigins []string
	adminAllowlist []string
}

// NewRoomsApp registers the HTTP surface on mux. The mux may already carry
// other routes such as the stats endpoint.
func NewRoomsApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.RoomRepository, cfg *config.Config) (*RoomsApp, error) {
	codes, err := newCodeGenerator(cfg.CodeMinLen, cfg.CodeMaxLen)
	if err != nil {
		return nil, err
	}

	s := &RoomsApp{
		log:            logger,
		db:             db,
		cs:             cs,
		codes:          codes,
		lockout:        newLockout(cfg.AdminMaxFails, cfg.AdminLockout),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		adminAllowlist: cfg.AdminAllowlist,
	}

	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /api/rooms", s.createRoomHandler)
	mux.HandleFunc("POST /api/rooms/random", s.randomRoom)
	mux.HandleFunc("POST /api/rooms/{code}/join", s.joinRoom)
	mux.HandleFunc("GET /api/rooms/{code}/presence", s.presence)
	mux.HandleFunc("POST /api/rooms/{code}/heartbeat", s.sessionMiddleware(s.heartbeat))
	mux.HandleFunc("GET /api/rooms/{code}/messages", s.getMessages)
	mux.HandleFunc("POST /api/rooms/{code}/messages", s.sessionMiddleware(s.postMessage))
	mux.HandleFunc("POST /api/messages/{id}/delete", s.sessionMiddleware(s.deleteMessage))
	mux.HandleFunc("GET /api/rooms/{code}/pin", s.getPin)
	mux.HandleFunc("POST /api/rooms/{code}/pin", s.sessionMiddleware(s.setPin))
	mux.HandleFunc("DELETE /api/rooms/{code}/pin", s.sessionMiddleware(s.clearPin))
	mux.HandleFunc("POST /api/report", s.sessionMiddleware(s.report))
	mux.HandleFunc("GET /api/admin/reports", s.moderatorMiddleware(s.listReports))
	mux.HandleFunc("GET /ws", s.serveWs)

	var h http.Handler = handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", SessionHeader}),
	)(mux)

	h = s.errorHandler(h)

	if cfg.TrustProxy {
		h = handlers.ProxyHeaders(h)
	}

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s, nil
}

func (s *RoomsApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RoomsApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *RoomsApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
