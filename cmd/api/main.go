package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"vecino.app/internal/accesscode"
	"vecino.app/internal/auth"
	"vecino.app/internal/authorization"
	"vecino.app/internal/config"
	"vecino.app/internal/directory"
	"vecino.app/internal/enrollment"
	"vecino.app/internal/httpapi"
	"vecino.app/internal/keys"
	"vecino.app/internal/notify"
	"vecino.app/internal/obs"
	"vecino.app/internal/store/pg"
	"vecino.app/internal/stream"
	"vecino.app/internal/verify"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("vecino-api stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := obs.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(config.Version, config.Commit)
	logger.Info("starting vecino-api", slog.String("version", config.Version), slog.String("config", cfg.String()))

	db, err := pg.Open(cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	var rdb redis.UniversalClient
	var revocations verify.RevocationChecker = verify.NoRevocations{}
	var publisher authorization.RevocationPublisher
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		shared := verify.NewRedisRevocations(rdb, "vecino:revoked:", cfg.ClockSkew)
		revocations, publisher = shared, shared
	}

	deps, err := wire(cfg, db, logger, publisher)
	if err != nil {
		return err
	}
	deps.Revocations = revocations
	deps.Ready = httpapi.ReadyProbe{DB: db, Redis: rdb}
	deps.ClockSkew = cfg.ClockSkew
	deps.Version = config.Version

	api, err := httpapi.New(deps, httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitPerSecond))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		// zero keeps the SSE scan stream open; handlers bound their own work
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewGRPCServer(deps.Ready, config.Version)
		health.Register(grpcSrv)
		g.Go(func() error {
			health.Watch(gctx, 10*time.Second)
			return nil
		})
		g.Go(func() error {
			logger.Info("grpc listening", slog.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		deps.Enrollment.RunSweeper(gctx, cfg.EnrollmentSweep)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// wire builds the domain services on top of the Postgres stores.
func wire(cfg *config.Config, db *sql.DB, logger *slog.Logger, publisher authorization.RevocationPublisher) (httpapi.Deps, error) {
	tokens, err := auth.NewTokens(cfg.AuthSecret)
	if err != nil {
		return httpapi.Deps{}, fmt.Errorf("auth tokens: %w", err)
	}
	crypto, err := keys.NewCrypto(cfg.MasterSecret)
	if err != nil {
		return httpapi.Deps{}, fmt.Errorf("key crypto: %w", err)
	}
	km, err := keys.NewManager(keys.NewPGStore(db), crypto,
		keys.WithPool(keys.NewPool(cfg.CryptoWorkers)),
		keys.WithKeyCache(cfg.KeyCacheSize, cfg.KeyCacheTTL),
		keys.WithLogger(logger),
	)
	if err != nil {
		return httpapi.Deps{}, fmt.Errorf("key manager: %w", err)
	}
	dir := directory.NewPGStore(db)

	authzOpts := []authorization.ServiceOption{
		authorization.WithLogger(logger),
		authorization.WithClockSkew(cfg.ClockSkew),
	}
	if publisher != nil {
		authzOpts = append(authzOpts, authorization.WithRevocationPublisher(publisher))
	}
	authz, err := authorization.NewService(authorization.NewPGStore(db), km, dir, authzOpts...)
	if err != nil {
		return httpapi.Deps{}, fmt.Errorf("authorization service: %w", err)
	}

	hasher, err := accesscode.NewHasher(cfg.MasterSecret)
	if err != nil {
		return httpapi.Deps{}, fmt.Errorf("access code hasher: %w", err)
	}
	scans := stream.New()
	codes, err := accesscode.NewEngine(accesscode.NewPGStore(db), dir, hasher,
		accesscode.WithMaxEntries(cfg.AccessCodeMaxEntries),
		accesscode.WithScanPublisher(scans),
		accesscode.WithLogger(logger),
	)
	if err != nil {
		return httpapi.Deps{}, fmt.Errorf("access code engine: %w", err)
	}

	enroll, err := enrollment.NewService(enrollment.NewPGStore(db), km, dir,
		enrollment.WithTTL(cfg.EnrollmentTokenTTL),
		enrollment.WithClockSkew(cfg.ClockSkew),
		enrollment.WithBaseURL(cfg.EnrollmentBaseURL),
		enrollment.WithMailer(notify.NewLogMailer(logger)),
		enrollment.WithLogger(logger),
	)
	if err != nil {
		return httpapi.Deps{}, fmt.Errorf("enrollment service: %w", err)
	}

	return httpapi.Deps{
		Tokens:         tokens,
		Keys:           km,
		Authorizations: authz,
		AccessCodes:    codes,
		Enrollment:     enroll,
		Stream:         scans,
	}, nil
}
