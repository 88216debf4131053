package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/blekey-server/blekey-server/internal/auth"
	"github.com/blekey-server/blekey-server/internal/config"
	"github.com/blekey-server/blekey-server/internal/server"
	"github.com/blekey-server/blekey-server/internal/validation"
)

type contextKey string

const claimsKey contextKey = "claims"

// RESTServer serves the REST API, the websocket bridge and the web UI
type RESTServer struct {
	config    *config.Config
	bridgeCfg server.BridgeConfig
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewRESTServer creates a new REST API server. Every websocket client
// gets its own bridge built from bridgeCfg.
func NewRESTServer(cfg *config.Config, bridgeCfg server.BridgeConfig) *RESTServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RESTServer{
		config:    cfg,
		bridgeCfg: bridgeCfg,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// same policy as CORS below
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*websocket.Conn]struct{}),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the API router, wrapped with the web UI when its
// directory exists
func (s *RESTServer) Handler() http.Handler {
	webDir := s.config.Web.StaticDir
	if webDir == "" {
		return s.router
	}
	if _, err := os.Stat(webDir); os.IsNotExist(err) {
		log.Warn().Str("dir", webDir).Msg("Web directory not found, Web UI will not be available")
		return s.router
	}

	log.Info().Str("dir", webDir).Msg("Serving Web UI from directory")
	fs := http.FileServer(http.Dir(webDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			s.router.ServeHTTP(w, r)
			return
		}

		// paths without an extension belong to the single page app
		if r.URL.Path == "/" || !strings.Contains(r.URL.Path, ".") {
			http.ServeFile(w, r, filepath.Join(webDir, "index.html"))
			return
		}

		fs.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and closes every websocket, which
// disconnects their sessions
func (s *RESTServer) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	return s.server.Shutdown(ctx)
}

// Bridges returns the number of connected websocket clients
func (s *RESTServer) Bridges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// bearerToken reads the token from the Authorization header, falling back
// to the token query parameter browsers use for websockets
func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// authMiddleware is the authentication middleware. It only enforces
// tokens when the API is configured to require them.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.API.AuthRequired {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			s.respondError(w, http.StatusUnauthorized, "missing authorization")
			return
		}

		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// operator returns the authenticated operator, if any
func operator(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsKey).(*auth.Claims); ok {
		return claims.Operator
	}
	return ""
}
