package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/InsulaLabs/ringfs/config"
	"github.com/InsulaLabs/ringfs/service"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	categoryAccounts = "accounts"
	categoryFiles    = "files"
	categoryChunks   = "chunks"
	categorySystem   = "system"
)

type Config struct {
	Logger      *slog.Logger
	Service     *service.Service
	BindAddress string
	Client      config.Client
	TLS         config.TLS
}

// Server exposes a node's client service over HTTP.
type Server struct {
	logger  *slog.Logger
	svc     *service.Service
	cfg     Config
	mux     *http.ServeMux
	trusted map[string]struct{}

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
}

func New(cfg Config) *Server {
	s := &Server{
		logger:       cfg.Logger.WithGroup("api"),
		svc:          cfg.Service,
		cfg:          cfg,
		mux:          http.NewServeMux(),
		trusted:      make(map[string]struct{}),
		rateLimiters: make(map[string]*ttlcache.Cache[string, *rate.Limiter]),
	}
	for _, proxy := range cfg.Client.TrustedProxies {
		s.trusted[proxy] = struct{}{}
	}
	for _, category := range []string{categoryAccounts, categoryFiles, categoryChunks, categorySystem} {
		s.rateLimiters[category] = ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("/api/v1/accounts", s.createAccountHandler, categoryAccounts)
	s.handle("/api/v1/login", s.loginHandler, categoryAccounts)
	s.handle("/api/v1/logout", s.logoutHandler, categoryAccounts)

	s.handle("/api/v1/dirs", s.createDirectoryHandler, categoryFiles)
	s.handle("/api/v1/files", s.filesHandler, categoryFiles)
	s.handle("/api/v1/grants", s.grantHandler, categoryFiles)
	s.handle("/api/v1/replicas", s.replicasHandler, categoryFiles)

	s.handle("/api/v1/chunks", s.chunksHandler, categoryChunks)

	s.handle("/api/v1/status", s.statusHandler, categorySystem)
}

func (s *Server) handle(path string, h http.HandlerFunc, category string) {
	s.mux.Handle(path, s.rateLimitMiddleware(h, category))
}

// Handler is the routed API, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		s.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}
	if _, ok := s.trusted[remoteIP]; ok {
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
	}
	return remoteIP
}

func (s *Server) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiters := s.rateLimiters[category]
	ip := s.getRemoteAddress(r)
	item := limiters.Get(ip)
	if item == nil {
		rl := s.cfg.Client.RateLimit
		limiter := rate.NewLimiter(rate.Limit(rl.Limit), rl.Burst)
		item = limiters.Set(ip, limiter, time.Minute*1)
	}
	return item.Value()
}

func (s *Server) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(category, r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			s.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for _, limiter := range s.rateLimiters {
		go limiter.Start()
	}
	defer func() {
		for _, limiter := range s.rateLimiters {
			limiter.Stop()
		}
	}()

	srv := &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	var err error
	if s.cfg.TLS.Enabled() {
		s.logger.Info("Starting HTTPS server", "listen_addr", s.cfg.BindAddress)
		srv.TLSConfig = &tls.Config{}
		err = srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	} else {
		s.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).", "listen_addr", s.cfg.BindAddress)
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("client api: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}
