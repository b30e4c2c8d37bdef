package core

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/open-rails/oauthlogin/claims"
)

// Service is the composition root: it owns the validated options, the ephemeral store and
// the identity resolver, and is passed by reference to the flow controller and HTTP adapter.
type Service struct {
	opts           Options
	users          UserRepository
	identities     *IdentityResolver
	authlog        LoginEventLogger
	ephemeralStore EphemeralStore
	ephemeralMode  EphemeralMode
	log            *slog.Logger
}

func NewService(opts Options) *Service {
	return &Service{
		opts:          opts,
		ephemeralMode: EphemeralMemory,
		log:           slog.Default().With("component", "oauthlogin"),
	}
}

// NewFromConfig validates cfg, fills defaults and returns a Service without stores attached.
func NewFromConfig(cfg Config) (*Service, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	return NewService(opts), nil
}

func (s *Service) Options() Options { return s.opts }

// WithUserRepository attaches user storage and builds the identity resolver over it.
func (s *Service) WithUserRepository(repo UserRepository) *Service {
	s.users = repo
	s.identities = NewIdentityResolver(s.opts, repo).WithLogger(s.log.With("subsystem", "identity"))
	return s
}

func (s *Service) WithAuthLogger(l LoginEventLogger) *Service {
	s.authlog = l
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.log = l
		if s.identities != nil {
			s.identities.WithLogger(l.With("subsystem", "identity"))
		}
	}
	return s
}

func (s *Service) Logger() *slog.Logger { return s.log }

// Identities returns the identity resolver, or nil when no repository is attached.
func (s *Service) Identities() *IdentityResolver { return s.identities }

func (s *Service) Users() UserRepository { return s.users }

// FindOrCreate delegates to the identity resolver.
func (s *Service) FindOrCreate(ctx context.Context, c claims.Claims) (*Identity, error) {
	return s.identities.FindOrCreate(ctx, c)
}

// LogLoginEvent forwards e to the configured logger, if any. Failures are logged and dropped.
func (s *Service) LogLoginEvent(ctx context.Context, e LoginEvent) {
	if s == nil || s.authlog == nil {
		return
	}
	if err := s.authlog.LogLoginEvent(ctx, e); err != nil {
		s.log.WarnContext(ctx, "login event dropped", "event", e.Event, "err", err)
	}
}

// IsDevEnvironment reports whether the current ENV/APP_ENV/ENVIRONMENT is non-production.
func IsDevEnvironment() bool {
	return isDevEnvironment(getEnvironment())
}

func getEnvironment() string {
	env := os.Getenv("ENV")
	if env == "" {
		env = os.Getenv("APP_ENV")
	}
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	return env
}

// isDevEnvironment returns true unless the environment is explicitly prod/production.
func isDevEnvironment(env string) bool {
	e := strings.ToLower(strings.TrimSpace(env))
	return e != "prod" && e != "production"
}
