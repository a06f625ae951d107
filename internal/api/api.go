// Package api exposes the media service over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	media "github.com/i5heu/ouroboros-media"
	"github.com/i5heu/ouroboros-media/internal/session"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

const (
	// SessionCookie carries the session token. It is HttpOnly so page
	// scripts never see the token.
	SessionCookie = "om_session"

	defaultViewerHeader  = "X-Viewer"
	defaultMaxUploadSize = 512 << 20
	defaultJobRetention  = time.Hour
)

// Media is the part of *media.Service the HTTP layer drives.
type Media interface {
	UploadVideo(ctx context.Context, req media.UploadRequest) (*media.UploadResult, error)
	CreateSession(ctx context.Context, req media.CreateSessionRequest) (session.Handshake, error)
	RefreshSession(ctx context.Context, token string) (time.Time, error)
	TerminateSession(ctx context.Context, token string) error
	GetVideo(ctx context.Context, videoID string) (model.Video, error)
	GetRenditions(ctx context.Context, videoID string) ([]model.Rendition, error)
	ReadContent(ctx context.Context, address string) ([]byte, error)
	GetSegmentKeyMaterial(ctx context.Context, token string, ref model.SegmentRef) (*media.KeyMaterial, error)
}

// Catalog lists registered videos.
type Catalog interface {
	ListVideos(ctx context.Context) ([]model.Video, error)
}

// AuthFunc resolves the authenticated viewer of a request. An empty viewer
// means anonymous.
type AuthFunc func(r *http.Request) (string, error)

type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithSigner sets the storage signer used for uploads.
func WithSigner(signer interfaces.Signer) Option {
	return func(s *Server) { s.signer = signer }
}

// WithCatalog enables GET /v1/videos.
func WithCatalog(c Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithAuth replaces the viewer resolution.
func WithAuth(auth AuthFunc) Option {
	return func(s *Server) { s.auth = auth }
}

// WithViewerHeader makes the default auth read the viewer from header.
func WithViewerHeader(header string) Option {
	return func(s *Server) {
		if header != "" {
			s.auth = headerAuth(header)
		}
	}
}

// WithSecureCookies marks the session cookie Secure.
func WithSecureCookies(secure bool) Option {
	return func(s *Server) { s.secureCookies = secure }
}

// WithMaxUploadSize bounds the accepted source size.
func WithMaxUploadSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadSize = n
		}
	}
}

// WithHealthCheck makes GET /healthz report check's result.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

// WithStorageHandler mounts a storage network handler under /storage.
func WithStorageHandler(h http.Handler) Option {
	return func(s *Server) { s.storage = h }
}

// Server is the HTTP front of the media service.
type Server struct {
	router chi.Router
	media  Media
	log    *slog.Logger

	signer        interfaces.Signer
	catalog       Catalog
	auth          AuthFunc
	secureCookies bool
	maxUploadSize int64
	storage       http.Handler
	health        func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	jobs   *jobTable
}

// New builds the router. Close stops uploads still running.
func New(m Media, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		media:         m,
		log:           slog.Default(),
		auth:          headerAuth(defaultViewerHeader),
		maxUploadSize: defaultMaxUploadSize,
		ctx:           ctx,
		cancel:        cancel,
		jobs:          newJobTable(defaultJobRetention),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/videos", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleListVideos)
			r.Route("/{videoID}", func(r chi.Router) {
				r.Get("/", s.handleGetVideo)
				r.Post("/sessions", s.handleCreateSession)
				r.Get("/keys/{scheme}/{quality}/{index}", s.handleKeyMaterial)
			})
		})
		r.Get("/uploads/{jobID}", s.handleUploadStatus)
		r.Post("/sessions/refresh", s.handleRefreshSession)
		r.Delete("/sessions", s.handleTerminateSession)
		r.Get("/content/{address}", s.handleContent)
	})
	if s.storage != nil {
		r.Mount("/storage", s.storage)
	}
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close cancels running uploads and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

func headerAuth(header string) AuthFunc {
	return func(r *http.Request) (string, error) {
		return strings.TrimSpace(r.Header.Get(header)), nil
	}
}

var errNoSession = errors.New("no session token")

// sessionToken reads the session cookie, falling back to a bearer token
// for players that cannot hold cookies.
func sessionToken(r *http.Request) (string, error) {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); tok != "" {
			return tok, nil
		}
	}
	return "", errNoSession
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}
