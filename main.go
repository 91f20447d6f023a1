package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/y1jeong/perfdesign/config"
	"github.com/y1jeong/perfdesign/controllers"
	"github.com/y1jeong/perfdesign/database"
	"github.com/y1jeong/perfdesign/guard"
	"github.com/y1jeong/perfdesign/lockout"
	"github.com/y1jeong/perfdesign/middleware"
	"github.com/y1jeong/perfdesign/sessions"
	"github.com/y1jeong/perfdesign/tokens"
	"github.com/y1jeong/perfdesign/utils"
)

type userStore interface {
	database.UserRepository
	utils.AdminSeeder
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := utils.NewLogger(cfg.LogLevel, cfg.IsProduction())
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		users       userStore
		sessionRepo sessions.Repository
		mongo       *database.Mongo
	)
	switch cfg.StoreDriver {
	case "mongo":
		mongo, err = database.Connect(ctx, cfg.MongoURI, cfg.DatabaseName)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to mongodb")
		}
		if err := mongo.EnsureIndexes(ctx); err != nil {
			log.WithError(err).Fatal("failed to create indexes")
		}
		users = database.NewMongoUserRepository(mongo)
		sessionRepo = database.NewMongoSessionRepository(mongo)
	default:
		log.Warn("using in-memory store, data is lost on restart")
		users = database.NewMemoryUserRepository()
		sessionRepo = database.NewMemorySessionRepository()
	}

	if err := utils.SeedAdminUser(ctx, users, cfg.AdminEmail, cfg.AdminPassword, cfg.BcryptCost, log); err != nil {
		log.WithError(err).Fatal("failed to seed admin user")
	}

	storage, err := openStorage(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open artifact storage")
	}

	counters, err := openCounters(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open rate limit store")
	}

	codec, err := tokens.NewCodec(cfg.JWTSecret, tokens.WithTTL(cfg.AccessTTL(), cfg.RefreshTTL()))
	if err != nil {
		log.WithError(err).Fatal("failed to build token codec")
	}
	tracker := lockout.NewTracker(users, lockout.Policy{
		MaxAttempts:  cfg.LockoutMaxAttempts,
		LockDuration: cfg.LockDuration(),
	})
	store := sessions.NewStore(sessionRepo, storage, sessions.Config{
		AnonymousTTL: cfg.AnonymousSessionTTL(),
		OwnedTTL:     cfg.OwnedSessionTTL(),
		IdleLimit:    cfg.IdleLimit(),
	}, log.WithField("component", "sessions"))
	go sessions.NewSweeper(store, cfg.SweepInterval(), log.WithField("component", "sweeper")).Run(ctx)

	cookies := middleware.Cookies{
		SessionName: cfg.SessionCookieName,
		Domain:      cfg.CookieDomain,
		Secure:      cfg.CookieSecure,
	}
	validator := utils.NewFileValidator(
		config.SplitList(cfg.AllowedFileExts),
		config.SplitList(cfg.AllowedFileMimeType),
		cfg.MaxUploadBytes(),
	)

	routes := controllers.Routes{
		Auth: middleware.NewAuth(codec, users, log.WithField("component", "auth")),
		AuthHandlers: controllers.NewAuthController(users, codec, tracker, store, cookies, controllers.AuthConfig{
			BcryptCost:      cfg.BcryptCost,
			ExposeDevTokens: cfg.ExposeDevTokens,
		}, log),
		Users:        controllers.NewUsersController(users, cfg.BcryptCost, log),
		Sessions:     controllers.NewSessionController(store, storage, validator, cookies, log),
		SessionStore: store,
		Cookies:      cookies,
		Counters:     counters,
	}

	r := gin.New()

	allowedOrigins := map[string]bool{}
	for _, origin := range cfg.Origins() {
		allowedOrigins[origin] = true
	}
	log.WithField("origins", cfg.Origins()).Info("allowed origins")
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			allowed := allowedOrigins[origin]
			log.WithFields(logrus.Fields{"origin": origin, "allowed": allowed}).Debug("cors check")
			return allowed
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.SessionHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.SessionHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(gin.Logger())
	r.Use(middleware.ErrorHandler(log, cfg.IsProduction()))
	r.Use(middleware.Recovery())

	routes.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("port", cfg.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	if err := storage.Close(); err != nil {
		log.WithError(err).Warn("failed to close artifact storage")
	}
	if mongo != nil {
		if err := mongo.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to close mongodb client")
		}
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (*utils.ArtifactRouter, error) {
	local, err := utils.NewLocalStorage(cfg.LocalStorageDir)
	if err != nil {
		return nil, err
	}
	switch cfg.StorageDriver {
	case "", "local":
		return utils.NewArtifactRouter(local), nil
	case "gcs":
		gcs, err := utils.NewGCSStorage(ctx, cfg.GCSBucket, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		return utils.NewArtifactRouter(gcs, local), nil
	case "r2":
		r2, err := utils.NewR2Storage(ctx, utils.R2Config{
			Bucket:          cfg.R2Bucket,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Endpoint:        cfg.R2Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return utils.NewArtifactRouter(r2, local), nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
}

func openCounters(ctx context.Context, cfg *config.Config) (guard.CounterStore, error) {
	if cfg.RateLimitDriver != "redis" {
		counters := guard.NewMemoryCounterStore()
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					counters.Prune(now)
				}
			}
		}()
		return counters, nil
	}
	client, err := guard.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return guard.NewRedisCounterStore(client), nil
}
