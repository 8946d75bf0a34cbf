// Package server assembles the HTTP API: the circulation, catalog and membership
// routes under /api/v1 and the operator routes under /api/v1/admin.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"librastock/internal/catalog"
	"librastock/internal/circulation"
	"librastock/internal/domain"
	"librastock/internal/httpx"
	"librastock/internal/logging"
	"librastock/internal/membership"
)

// AdminToken is the Argon2id hash and salt of the operator bearer token. An empty
// hash disables the admin routes.
type AdminToken struct {
	Hash string
	Salt string
}

type Deps struct {
	Circulation circulation.Service
	Catalog     catalog.Service
	Membership  membership.Service
	Clock       domain.Clock
	Admin       AdminToken
	Logger      logging.Logger
}

// NewRouter wires every handler.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logging.Discard
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	circ := circulation.NewHandler(d.Circulation, d.Clock)
	r.Route("/api/v1", func(r chi.Router) {
		circ.Routes(r)
		catalog.NewHandler(d.Catalog).Routes(r)
		membership.NewHandler(d.Membership).Routes(r)
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin(d.Admin, d.Logger))
			circ.AdminRoutes(r)
		})
	})
	return r
}

func requestLogger(log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func unauthorized(w http.ResponseWriter, status int, code, message string) {
	httpx.WriteJSON(w, status, httpx.ErrorBody{Code: code, Kind: "auth", Message: message})
}

// requireAdmin checks the bearer token against the configured hash.
func requireAdmin(token AdminToken, log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token.Hash == "" {
				unauthorized(w, http.StatusForbidden, "ADMIN_DISABLED", "admin token is not configured")
				return
			}
			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || presented == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				unauthorized(w, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token required")
				return
			}
			valid, err := VerifyToken(presented, token.Hash, token.Salt)
			if err != nil {
				log.Error("admin token settings are malformed", "error", err)
				httpx.WriteError(w, err)
				return
			}
			if !valid {
				log.Warn("rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
				unauthorized(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Serve runs h on addr until ctx is done, then drains in-flight requests.
func Serve(ctx context.Context, addr string, h http.Handler, log logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
