package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casedesk/docket/internal/auth"
	"github.com/casedesk/docket/internal/calendar"
	"github.com/casedesk/docket/internal/cipher"
	"github.com/casedesk/docket/internal/config"
	"github.com/casedesk/docket/internal/oauth"
	"github.com/casedesk/docket/internal/ratelimit"
	"github.com/casedesk/docket/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

const (
	// sessionRetention is how long expired session rows are kept before the purge loop deletes them.
	sessionRetention = 7 * 24 * time.Hour
	purgeInterval    = 24 * time.Hour
	sweepInterval    = time.Minute
)

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rs) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// app holds the handlers buildRouter mounts.
// calendar is nil when no Google client is configured.
type app struct {
	auth     *auth.AuthHandler
	calendar *auth.CalendarHandler
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rs.Close) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	tc, err := cipher.New(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to set up token cipher: %w", err)
	}

	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Background loops stop when run() returns.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	// Redis is optional. Without it sessions are served from Postgres only,
	// state nonces are not tracked and the limiter must be in-memory.
	var (
		cache  auth.SessionCache  = store.NoopSessionCache{}
		health auth.HealthChecker = store.NoopSessionCache{}
		rs     *store.RedisStore
	)
	if cfg.RedisURL != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		rs = store.NewRedisStore(rdb)
		defer rs.Close()
		cache, health = rs, rs
	} else {
		slog.Warn("redis not configured, session cache and state replay protection disabled")
	}

	policy := ratelimit.Policy{
		MaxAttempts: cfg.RateLoginMax,
		Window:      cfg.RateLoginWindow,
		Lockout:     cfg.RateLoginLockout,
	}
	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedisLimiter(rs.Client(), policy)
	} else {
		ml := ratelimit.NewMemoryLimiter(policy, nil)
		go ml.RunSweeper(bgCtx, sweepInterval)
		limiter = ml
	}

	sessions := auth.NewSessionStore(ps, cache, cfg.SessionTTL)
	h := &auth.AuthHandler{
		PS:           ps,
		RS:           health,
		Sessions:     sessions,
		RL:           limiter,
		CookieSecure: cfg.CookieSecure,
	}
	a := &app{auth: h}

	if cfg.CalendarEnabled() {
		states, err := auth.NewStateCodec(cfg.OAuthStateSecret, cfg.OAuthStateTTL)
		if err != nil {
			return fmt.Errorf("failed to set up oauth state codec: %w", err)
		}
		if rs != nil && cfg.OAuthStateSingleUse {
			states.Nonces = rs
		}

		provider, err := oauth.NewGoogleCalendar(ctx, oauth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			CalendarID:   cfg.GoogleCalendarID,
			Timeout:      cfg.ProviderTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to set up google calendar: %w", err)
		}
		creds := calendar.NewCredentialStore(ps, tc, provider, slog.Default())
		engine := calendar.NewEngine(ps, creds, provider, calendar.Options{
			Concurrency: cfg.SyncConcurrency,
			ItemTimeout: cfg.SyncItemTimeout,
		}, slog.Default())

		a.calendar = &auth.CalendarHandler{Service: engine, States: states, CookieSecure: cfg.CookieSecure}
	} else {
		slog.Warn("google oauth not configured, calendar routes disabled")
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(a)}

	go purgeSessions(bgCtx, ps, purgeInterval)

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("docket listening", "addr", ln.Addr().String(), "calendar", a.calendar != nil)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting connections and waits for in-flight requests, up to 30s.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// sessionPurger deletes long-expired session rows.
type sessionPurger interface {
	CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error)
}

// purgeSessions runs the expired-session cleanup every interval until ctx is done.
// Lookups already reject expired sessions; this only reclaims rows.
func purgeSessions(ctx context.Context, ps sessionPurger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := ps.CleanupExpiredSessions(ctx, sessionRetention)
			if err != nil {
				slog.Warn("session cleanup failed", "error", err)
			} else {
				slog.Info("session cleanup complete", "deleted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", a.auth.CheckHealth)
	r.Post("/login/email", a.auth.LoginByEmail)

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(a.auth.RequireAuth)
		// CSRF reads the principal injected by RequireAuth above
		// DO NOT RUN CSRF BEFORE RequireAuth
		r.Use(auth.CSRFMiddleware)
		r.Post("/logout", a.auth.Logout)
		r.Post("/logout-all", a.auth.LogoutAll)

		if a.calendar == nil {
			return
		}
		r.Route("/calendar", func(r chi.Router) {
			r.Get("/connect", a.calendar.Connect)
			r.Get("/callback", a.calendar.Callback)
			r.Post("/disconnect", a.calendar.Disconnect)
			r.Post("/sync", a.calendar.SyncAll)
			r.Post("/hearings/{hearingID}/sync", a.calendar.SyncHearing)
			r.Get("/status", a.calendar.Status)
		})
	})

	return r
}
