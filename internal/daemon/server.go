package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/g960059/alarmsync/internal/alarms"
	"github.com/g960059/alarmsync/internal/api"
	"github.com/g960059/alarmsync/internal/config"
	"github.com/g960059/alarmsync/internal/logging"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/reconcile"
	"github.com/g960059/alarmsync/internal/security"
	"github.com/g960059/alarmsync/internal/session"
)

const maxRequestBytes = 1 << 20

// AuthService is the auth surface the API drives.
type AuthService interface {
	State() model.AuthState
	Login(ctx context.Context, cred model.Credential) (model.AuthState, error)
	Register(ctx context.Context, cred model.Credential) (model.AuthState, error)
	Logout(ctx context.Context) (model.AuthState, error)
	CompleteOnboarding(ctx context.Context) (model.AuthState, error)
}

type Deps struct {
	Auth       AuthService
	Alarms     *alarms.Store
	Session    *session.Manager
	Reconciler *reconcile.Reconciler
	Location   *time.Location
	Logger     *zap.Logger
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *zap.Logger
	router   chi.Router
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File
	streamID string
	sequence atomic.Int64
	now      func() time.Time
	closing  chan struct{}
	mu       sync.Mutex
	shutdown sync.Once
	shutErr  error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logging.OrNop(deps.Logger),
		streamID: uuid.NewString(),
		now:      time.Now,
		closing:  make(chan struct{}),
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for in-process callers and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/v1/health", s.healthHandler)

	r.Route("/v1/auth", func(r chi.Router) {
		r.Get("/", s.authStateHandler)
		r.Post("/login", s.loginHandler)
		r.Post("/register", s.registerHandler)
		r.Post("/logout", s.logoutHandler)
		r.Post("/onboarding", s.onboardingHandler)
	})

	r.Get("/v1/alarms.ics", s.exportHandler)
	r.Route("/v1/alarms", func(r chi.Router) {
		r.Get("/", s.listAlarmsHandler)
		r.Post("/", s.createAlarmHandler)
		r.Get("/{id}", s.getAlarmHandler)
		r.Put("/{id}", s.updateAlarmHandler)
		r.Delete("/{id}", s.deleteAlarmHandler)
		r.Patch("/{id}/enabled", s.setEnabledHandler)
	})

	r.Post("/v1/reconcile/sweep", s.sweepHandler)
	r.Get("/v1/triggers", s.triggersHandler)
	r.Post("/v1/triggers/{key}/snooze", s.snoozeHandler)
	r.Post("/v1/mail/release", s.mailReleaseHandler)
	r.Get("/v1/watch", s.watchHandler)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeInvalid, "method not allowed")
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		_ = s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("daemon listening", zap.String("socket", s.cfg.SocketPath))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		// Hijacked watch connections are not tracked by http.Server.
		close(s.closing)
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return s.shutErr
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Auth.State()
	owner, _ := st.OwnerID()
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Status:        "ok",
		Platform:      string(s.deps.Reconciler.Platform()),
		AuthStatus:    string(st.Status),
		Owner:         owner,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

// writeFailure maps a domain error onto its HTTP status and API code.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	code := model.ErrorCode(err)
	status := statusFor(code)
	msg := security.Redact(err.Error())
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", zap.String("code", code), zap.String("error", msg))
	}
	s.writeError(w, status, code, msg)
}

func statusFor(code string) int {
	switch code {
	case model.ErrCodeInvalid:
		return http.StatusBadRequest
	case model.ErrCodeCredentials, model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodePermission:
		return http.StatusForbidden
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeConfiguration:
		return http.StatusFailedDependency
	case model.ErrCodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
