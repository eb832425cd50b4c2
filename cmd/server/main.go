package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/shadow-rooms/internal/api"
	"github.com/npezzotti/shadow-rooms/internal/config"
	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/identity"
	"github.com/npezzotti/shadow-rooms/internal/server"
	"github.com/npezzotti/shadow-rooms/internal/stats"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	shutdownTimeout   = 10 * time.Second
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, config.SplitList(value)...)
	return nil
}

var (
	addr           string
	dbDriver       string
	dsn            string
	identitySecret string
	signingKey     string
	allowedOrigins stringSliceFlag
	adminAllowlist stringSliceFlag
	capacity       int
	codeMin        int
	codeMax        int
	profanity      bool
	rateMax        int
	rateWindow     time.Duration
	adminMaxFails  int
	adminLockout   time.Duration
	trustProxy     bool
	debug          bool
)

func defaultDSN(driver string) string {
	if driver == database.DriverPostgres {
		return config.EnvOr("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable")
	}
	return config.EnvOr("DB_PATH", "shadow-rooms.db")
}

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	driver := config.EnvOr("DB_DRIVER", database.DriverSqlite)

	flag.StringVar(&addr, "addr", config.EnvOr("ADDR", "localhost:3000"), "server address")
	flag.StringVar(&dbDriver, "db-driver", driver, "database driver (postgres or sqlite3)")
	flag.StringVar(&dsn, "dsn", defaultDSN(driver), "database connection string or sqlite path")
	flag.StringVar(&identitySecret, "identity-secret", config.EnvOr("USER_HASH_SALT", ""), "secret keying participant identity hashes")
	flag.StringVar(&signingKey, "signing-key", config.EnvOr("SIGNING_KEY", defaultSigningKey), "base64 encoded moderator token signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Var(&adminAllowlist, "admin-allowlist", "comma-separated list of addresses allowed to reach moderator endpoints")
	flag.IntVar(&capacity, "capacity", config.EnvIntOr("TEAM_CAPACITY", config.DefaultCapacity), "maximum online participants per room")
	flag.IntVar(&codeMin, "code-min", config.EnvIntOr("TEAM_CODE_MIN", config.DefaultCodeMin), "minimum room code length")
	flag.IntVar(&codeMax, "code-max", config.EnvIntOr("TEAM_CODE_MAX", config.DefaultCodeMax), "maximum room code length")
	flag.BoolVar(&profanity, "profanity-filter", config.EnvBoolOr("PROFANITY_FILTER", false), "mask profanity in messages")
	flag.IntVar(&rateMax, "rate-max", config.EnvIntOr("RATE_MAX", config.DefaultRateMax), "messages allowed per rate window")
	flag.DurationVar(&rateWindow, "rate-window", config.EnvMillisOr("RATE_WINDOW_MS", config.DefaultRateWindow), "rate limit window")
	flag.IntVar(&adminMaxFails, "admin-max-fails", config.EnvIntOr("ADMIN_MAX_FAILS", config.DefaultAdminMaxFails), "failed moderator logins before lockout")
	flag.DurationVar(&adminLockout, "admin-lockout", config.EnvMillisOr("ADMIN_LOCK_MS", config.DefaultAdminLockout), "moderator lockout duration")
	flag.BoolVar(&trustProxy, "trust-proxy", config.EnvBoolOr("TRUST_PROXY", false), "derive client addresses from X-Forwarded-For")
	flag.BoolVar(&debug, "debug", config.EnvBoolOr("DEBUG_LOGS", false), "verbose logging")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins = config.SplitList(os.Getenv("ALLOWED_ORIGINS"))
	}
	admins := []string(adminAllowlist)
	if len(admins) == 0 {
		admins = config.DefaultAdminAllowlist
		if raw, ok := os.LookupEnv("ADMIN_ALLOWLIST"); ok {
			admins = config.SplitList(raw)
		}
	}

	logger := log.New(os.Stderr, "[shadow-rooms] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dbDriver, dsn, identitySecret, signingKey, allowedOrigins,
		config.WithCapacity(capacity),
		config.WithCodeLength(codeMin, codeMax),
		config.WithProfanityFilter(profanity),
		config.WithRateLimit(rateMax, rateWindow),
		config.WithAdmin(admins, adminMaxFails, adminLockout),
		config.WithTrustProxy(trustProxy),
		config.WithDebug(debug),
	)
	if err != nil {
		logger.Fatal("config:", err)
	}

	if err := run(logger, cfg); err != nil {
		logger.Fatal(err)
	}
	logger.Println("shutdown complete")
}

func run(logger *log.Logger, cfg *config.Config) error {
	db, err := database.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if err := database.Migrate(db, cfg.DBDriver); err != nil {
		return err
	}

	hasher, err := identity.NewHasher(cfg.IdentitySecret)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, db, statsUpdater, hasher, server.Options{
		Capacity:        cfg.RoomCapacity,
		CodeMinLen:      cfg.CodeMinLen,
		CodeMaxLen:      cfg.CodeMaxLen,
		FilterProfanity: cfg.ProfanityFilter,
		RateMax:         cfg.RateMax,
		RateWindow:      cfg.RateWindow,
		Debug:           cfg.Debug,
	})
	if err != nil {
		return err
	}

	app, err := api.NewRoomsApp(mux, logger, chatServer, db, cfg)
	if err != nil {
		return err
	}

	statsUpdater.Run()
	defer statsUpdater.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return chatServer.Run(ctx)
	})

	g.Go(func() error {
		if err := app.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Println("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Join(app.Shutdown(shutdownCtx), chatServer.Shutdown(shutdownCtx))
	})

	return g.Wait()
}
