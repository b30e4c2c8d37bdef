package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	authhttp "github.com/open-rails/oauthlogin/adapters/http"
	"github.com/open-rails/oauthlogin/core"
	pgmigrations "github.com/open-rails/oauthlogin/migrations/postgres"
	"github.com/open-rails/oauthlogin/riverjobs"
	"github.com/open-rails/oauthlogin/roles"
	memorystore "github.com/open-rails/oauthlogin/storage/memory"
	pgstore "github.com/open-rails/oauthlogin/storage/postgres"
	redisstore "github.com/open-rails/oauthlogin/storage/redis"
	"github.com/open-rails/oauthlogin/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

type config struct {
	ListenAddr string `env:"OAUTHLOGIN_LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"OAUTHLOGIN_LOG_LEVEL" envDefault:"info"`
	// Store is memory, redis or postgres. It holds the ephemeral login state; postgres also
	// holds the users.
	Store          string `env:"OAUTHLOGIN_STORE" envDefault:"memory"`
	DBURL          string `env:"DB_URL"`
	RedisURL       string `env:"REDIS_URL"`
	MigrateOnStart bool   `env:"OAUTHLOGIN_MIGRATE_ON_START" envDefault:"true"`
	PurgeSchedule  string `env:"OAUTHLOGIN_PURGE_SCHEDULE" envDefault:"*/15 * * * *"`
	InsecureCookie bool   `env:"OAUTHLOGIN_INSECURE_COOKIE"`
	TrustedProxies string `env:"OAUTHLOGIN_TRUSTED_PROXIES"`

	CallbackURL     string `env:"OAUTHLOGIN_CALLBACK_URL,notEmpty"`
	HomeURL         string `env:"OAUTHLOGIN_HOME_URL"`
	AdminURL        string `env:"OAUTHLOGIN_ADMIN_URL"`
	LoginURL        string `env:"OAUTHLOGIN_LOGIN_URL"`
	TestCompleteURL string `env:"OAUTHLOGIN_TEST_COMPLETE_URL"`
	FingerprintKey  string `env:"OAUTHLOGIN_FINGERPRINT_KEY"`

	AuthorizeEndpoint   string `env:"OAUTHLOGIN_AUTHORIZE_ENDPOINT"`
	TokenEndpoint       string `env:"OAUTHLOGIN_TOKEN_ENDPOINT"`
	UserinfoEndpoint    string `env:"OAUTHLOGIN_USERINFO_ENDPOINT"`
	EndSessionEndpoint  string `env:"OAUTHLOGIN_END_SESSION_ENDPOINT"`
	ClientID            string `env:"OAUTHLOGIN_CLIENT_ID"`
	ClientSecret        string `env:"OAUTHLOGIN_CLIENT_SECRET"`
	Scope               string `env:"OAUTHLOGIN_SCOPE" envDefault:"openid profile email urn:zitadel:iam:user:metadata"`
	GrantType           string `env:"OAUTHLOGIN_GRANT_TYPE" envDefault:"authorization_code"`
	CredentialsInHeader bool   `env:"OAUTHLOGIN_CREDENTIALS_IN_HEADER" envDefault:"true"`
	CredentialsInBody   bool   `env:"OAUTHLOGIN_CREDENTIALS_IN_BODY" envDefault:"true"`
	ScopeInBody         bool   `env:"OAUTHLOGIN_SCOPE_IN_BODY" envDefault:"true"`
	SendState           bool   `env:"OAUTHLOGIN_SEND_STATE" envDefault:"true"`
	SendNonce           bool   `env:"OAUTHLOGIN_SEND_NONCE"`
	VerifyNonce         bool   `env:"OAUTHLOGIN_VERIFY_NONCE"`

	UsernameClaim     string `env:"OAUTHLOGIN_USERNAME_CLAIM" envDefault:"preferred_username"`
	EmailClaim        string `env:"OAUTHLOGIN_EMAIL_CLAIM" envDefault:"email"`
	FirstNameClaim    string `env:"OAUTHLOGIN_FIRST_NAME_CLAIM" envDefault:"given_name"`
	LastNameClaim     string `env:"OAUTHLOGIN_LAST_NAME_CLAIM" envDefault:"family_name"`
	DisplayNameFormat string `env:"OAUTHLOGIN_DISPLAY_NAME_FORMAT" envDefault:"firstname_lastname"`
	CustomAttributes  string `env:"OAUTHLOGIN_CUSTOM_ATTRIBUTES"`
	MetadataClaim     string `env:"OAUTHLOGIN_METADATA_CLAIM"`

	RoleMapping       bool   `env:"OAUTHLOGIN_ROLE_MAPPING"`
	RoleAttributes    string `env:"OAUTHLOGIN_ROLE_ATTRIBUTES"`
	RoleRules         string `env:"OAUTHLOGIN_ROLE_RULES"`
	DefaultRole       string `env:"OAUTHLOGIN_DEFAULT_ROLE" envDefault:"subscriber"`
	DenyUnmapped      bool   `env:"OAUTHLOGIN_DENY_UNMAPPED"`
	KeepExistingRoles bool   `env:"OAUTHLOGIN_KEEP_EXISTING_ROLES" envDefault:"true"`

	ProviderTimeout  time.Duration `env:"OAUTHLOGIN_PROVIDER_TIMEOUT" envDefault:"30s"`
	DiscoveryTimeout time.Duration `env:"OAUTHLOGIN_DISCOVERY_TIMEOUT" envDefault:"15s"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	Environment  string `env:"ENV" envDefault:"development"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fatal(fmt.Errorf("load .env: %w", err))
	}
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	slog.SetDefault(newLogger(cfg.LogLevel))

	cmd := "serve"
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) != "" {
		cmd = strings.TrimSpace(os.Args[1])
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg)
	case "migrate":
		err = runMigrate(ctx, cfg)
	default:
		err = fmt.Errorf("unknown command %q (supported: serve, migrate)", cmd)
	}
	if err != nil {
		fatal(err)
	}
}

func loadConfig() (*config, error) {
	var c config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	switch c.Store {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required when OAUTHLOGIN_STORE=redis")
		}
	case "postgres":
		if c.DBURL == "" {
			return nil, errors.New("DB_URL is required when OAUTHLOGIN_STORE=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown OAUTHLOGIN_STORE %q (supported: memory, redis, postgres)", c.Store)
	}
	return &c, nil
}

func (c *config) coreConfig() (core.Config, error) {
	rules, err := roles.ParseRules(c.RoleRules)
	if err != nil {
		return core.Config{}, err
	}
	custom, err := core.ParseCustomAttributes(c.CustomAttributes)
	if err != nil {
		return core.Config{}, err
	}
	return core.Config{
		Provider: core.ProviderConfig{
			AuthorizeEndpoint:  c.AuthorizeEndpoint,
			TokenEndpoint:      c.TokenEndpoint,
			UserinfoEndpoint:   c.UserinfoEndpoint,
			EndSessionEndpoint: c.EndSessionEndpoint,
			ClientID:           c.ClientID,
			ClientSecret:       c.ClientSecret,
			Scope:              c.Scope,
			GrantType:          c.GrantType,
			ClientAuth:         core.ClientAuthFor(c.CredentialsInHeader, c.CredentialsInBody),
			OmitScopeInBody:    !c.ScopeInBody,
			DisableState:       !c.SendState,
			SendNonce:          c.SendNonce || c.VerifyNonce,
			VerifyNonce:        c.VerifyNonce,
		},
		Attributes: core.AttributeMapping{
			Username:          c.UsernameClaim,
			Email:             c.EmailClaim,
			FirstName:         c.FirstNameClaim,
			LastName:          c.LastNameClaim,
			DisplayNameFormat: core.DisplayNameFormat(c.DisplayNameFormat),
		},
		CustomAttributes: custom,
		Roles: roles.Mapping{
			Enabled:           c.RoleMapping,
			Attributes:        c.RoleAttributes,
			Rules:             rules,
			DefaultRole:       c.DefaultRole,
			DenyUnmapped:      c.DenyUnmapped,
			KeepExistingRoles: c.KeepExistingRoles,
		},
		MetadataClaim:    c.MetadataClaim,
		CallbackURL:      c.CallbackURL,
		HomeURL:          c.HomeURL,
		AdminURL:         c.AdminURL,
		LoginURL:         c.LoginURL,
		TestCompleteURL:  c.TestCompleteURL,
		FingerprintKey:   []byte(c.FingerprintKey),
		ProviderTimeout:  c.ProviderTimeout,
		DiscoveryTimeout: c.DiscoveryTimeout,
	}, nil
}

func runServe(ctx context.Context, cfg *config) error {
	shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  "oauthlogin-devserver",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTel(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	ccfg, err := cfg.coreConfig()
	if err != nil {
		return err
	}
	svc, err := core.NewFromConfig(ccfg)
	if err != nil {
		return err
	}
	svc.WithLogger(slog.Default().With("component", "oauthlogin")).
		WithAuthLogger(core.SlogEventLogger{Logger: slog.Default().With("component", "login_events")})

	switch cfg.Store {
	case "memory":
		kv := memorystore.NewKV()
		svc.WithUserRepository(memorystore.NewUsers()).WithEphemeralStore(kv, core.EphemeralMemory)
		go sweepLoop(ctx, kv)
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		svc.WithUserRepository(memorystore.NewUsers()).WithEphemeralStore(redisstore.NewKV(rdb), core.EphemeralRedis)
	case "postgres":
		if cfg.MigrateOnStart {
			if err := runMigrate(ctx, cfg); err != nil {
				return err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		transients := pgstore.NewTransients(pool)
		svc.WithUserRepository(pgstore.NewUsers(pool)).WithEphemeralStore(transients, core.EphemeralPostgres)

		jobs, err := startRiver(ctx, pool, transients, cfg.PurgeSchedule)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := jobs.Stop(sctx); err != nil {
				slog.Warn("river stop", "err", err)
			}
		}()
	}

	api := authhttp.NewService(svc)
	if cfg.InsecureCookie {
		api.WithSessions(authhttp.NewCookieSessions(svc).WithInsecureCookie())
	}
	if cfg.TrustedProxies != "" {
		trusted, err := authhttp.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return fmt.Errorf("OAUTHLOGIN_TRUSTED_PROXIES: %w", err)
		}
		api.WithClientIPFunc(authhttp.ForwardedIP(trusted))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", api.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	slog.InfoContext(ctx, "listening", "addr", cfg.ListenAddr, "store", cfg.Store)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(sctx)
}

// startRiver migrates River's own tables and starts a client running the transient purge.
func startRiver(ctx context.Context, pool *pgxpool.Pool, purger riverjobs.Purger, schedule string) (*river.Client[pgx.Tx], error) {
	driver := riverpgxv5.New(pool)
	migrator, err := rivermigrate.New(driver, nil)
	if err != nil {
		return nil, fmt.Errorf("river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("river migrate: %w", err)
	}

	workers := river.NewWorkers()
	riverjobs.RegisterPurgeExpiredTransientsWorker(workers, purger)
	client, err := river.NewClient(driver, &river.Config{
		Queues:  map[string]river.QueueConfig{river.QueueDefault: {MaxWorkers: 2}},
		Workers: workers,
		Logger:  slog.Default().With("component", "river"),
	})
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	if err := riverjobs.AddPurgeExpiredTransientsPeriodicJob(client, schedule, riverjobs.PurgeExpiredTransientsArgs{}, true); err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("river start: %w", err)
	}
	return client, nil
}

func runMigrate(_ context.Context, cfg *config) error {
	if cfg.DBURL == "" {
		return errors.New("DB_URL is required to migrate")
	}
	if err := pgmigrations.Run(cfg.DBURL, "up"); err != nil && !errors.Is(err, pgmigrations.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// sweepLoop drops expired entries from the in-memory store.
func sweepLoop(ctx context.Context, kv *memorystore.KV) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			kv.Sweep()
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func fatal(err error) {
	slog.Error("oauthlogin-devserver", "err", err)
	os.Exit(1)
}
