package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	fbapp "firebase.google.com/go/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"gorm.io/gorm"

	"gamechat/internal/adapter/api/handler"
	"gamechat/internal/adapter/repository"
	domainrepo "gamechat/internal/domain/repository"
	"gamechat/internal/domain/service"
	"gamechat/internal/infrastructure/auth"
	"gamechat/internal/infrastructure/cache"
	"gamechat/internal/infrastructure/firebase"
	"gamechat/internal/infrastructure/pubsub"
	"gamechat/internal/infrastructure/ratelimit"
	"gamechat/internal/infrastructure/storage"
	"gamechat/internal/infrastructure/telemetry"
	"gamechat/internal/usecase"
	"gamechat/pkg/config"
	"gamechat/pkg/logger"
)

// app holds every long-lived component of one process.
type app struct {
	cfg *config.Config

	db        *gorm.DB
	firestore *firestore.Client
	firebase  *fbapp.App
	redis     *redis.Client

	bus      service.EventBus
	storage  service.ObjectStorage
	objects  handler.ObjectReader
	verifier service.TokenVerifier
	metrics  *telemetry.Metrics
	limiter  *ratelimit.RateLimiter

	chatRepo    domainrepo.ChatRepository
	messageRepo domainrepo.MessageRepository
	userRepo    domainrepo.UserRepository

	membership *usecase.MembershipUseCase
	chats      *usecase.ChatUseCase
	messages   *usecase.MessageUseCase
	reconcile  *usecase.ReconcileUseCase
	users      *usecase.UserUseCase

	checks  map[string]handler.HealthCheck
	closers []func() error
}

func firebaseOptions(cfg *config.Config) []option.ClientOption {
	if cfg.FirebaseServiceAccountRaw != "" {
		logger.Info("Using Firebase service account from environment variable")
		return []option.ClientOption{option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountRaw))}
	}
	if cfg.FirebaseServiceAccount != "" {
		logger.Info("Using Firebase service account from file: %s", cfg.FirebaseServiceAccount)
		return []option.ClientOption{option.WithCredentialsFile(cfg.FirebaseServiceAccount)}
	}
	logger.Info("Using application default credentials for Google services")
	return nil
}

func buildApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{
		cfg:    cfg,
		checks: make(map[string]handler.HealthCheck),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	provider, err := telemetry.NewMeterProvider(ctx, cfg.MetricsExporter, cfg.FirebaseProject, cfg.InstanceID)
	if err != nil {
		return a, err
	}
	if provider != nil {
		otel.SetMeterProvider(provider)
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return provider.Shutdown(ctx)
		})
	}

	metrics, mErr := telemetry.NewMetrics()
	if mErr != nil {
		logger.Warn("Metrics disabled: %v", mErr)
		metrics = telemetry.NoopMetrics()
	}
	a.metrics = metrics

	if err = a.openStore(ctx); err != nil {
		return a, err
	}
	if err = a.openAuth(ctx); err != nil {
		return a, err
	}
	if err = a.openCache(ctx); err != nil {
		return a, err
	}
	if err = a.openBus(); err != nil {
		return a, err
	}
	if err = a.openStorage(ctx); err != nil {
		return a, err
	}

	a.limiter = ratelimit.NewRateLimiter()

	participants := cache.NewParticipantCache(a.redis)
	hot := cache.NewHotBuffer(a.redis, cfg.HotBufferCapacity, cfg.HotBufferTTL)

	a.membership = usecase.NewMembershipUseCase(a.chatRepo, participants, cfg.MembershipTTL, a.metrics)
	a.chats = usecase.NewChatUseCase(a.chatRepo, a.messageRepo, a.userRepo, a.membership, hot, a.storage, a.bus, a.limiter, a.metrics)
	a.messages = usecase.NewMessageUseCase(a.messageRepo, a.chatRepo, a.userRepo, a.membership, hot, a.storage, a.bus, a.limiter, a.metrics, usecase.MessageConfig{
		HistoryPageSize:    cfg.HistoryPageSize,
		PersistMaxRetries:  cfg.PersistMaxRetries,
		AttachmentMaxCount: cfg.AttachmentMaxCount,
		AttachmentMaxSize:  cfg.AttachmentMaxSize,
	})
	a.reconcile = usecase.NewReconcileUseCase(hot, a.messageRepo, a.chatRepo, cfg.ClearHotBufferOnIdle)
	a.users = usecase.NewUserUseCase(a.userRepo)

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case "sqlite":
		db, err := repository.OpenSQLite(a.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.db = db
		a.chatRepo = repository.NewGormChatRepository(db)
		a.messageRepo = repository.NewGormMessageRepository(db)
		a.userRepo = repository.NewGormUserRepository(db)
		a.closers = append(a.closers, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		a.checks["store"] = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
		logger.Info("Using SQLite store at %s", a.cfg.SQLitePath)

	case "firestore":
		client, err := firestore.NewClient(ctx, a.cfg.FirebaseProject, firebaseOptions(a.cfg)...)
		if err != nil {
			return fmt.Errorf("create firestore client: %w", err)
		}
		a.firestore = client
		a.chatRepo = repository.NewFirestoreChatRepository(client)
		a.messageRepo = repository.NewFirestoreMessageRepository(client)
		a.userRepo = repository.NewFirestoreUserRepository(client)
		a.closers = append(a.closers, client.Close)
		a.checks["store"] = func(ctx context.Context) error {
			_, err := client.Collection("chats").Limit(1).Documents(ctx).Next()
			if stderrors.Is(err, iterator.Done) {
				return nil
			}
			return err
		}
		logger.Info("Using Firestore store in project %s", a.cfg.FirebaseProject)
	}
	return nil
}

func (a *app) firebaseApp(ctx context.Context) (*fbapp.App, error) {
	if a.firebase != nil {
		return a.firebase, nil
	}
	fa, err := fbapp.NewApp(ctx, &fbapp.Config{ProjectID: a.cfg.FirebaseProject}, firebaseOptions(a.cfg)...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase: %w", err)
	}
	a.firebase = fa
	return fa, nil
}

func (a *app) openAuth(ctx context.Context) error {
	switch a.cfg.AuthProvider {
	case "firebase":
		fa, err := a.firebaseApp(ctx)
		if err != nil {
			return err
		}
		client, err := fa.Auth(ctx)
		if err != nil {
			return fmt.Errorf("initialize firebase auth: %w", err)
		}
		a.verifier = firebase.NewFirebaseAuthClient(client)

	case "jwt":
		if a.cfg.JWKSURL != "" {
			v, err := auth.NewJWKSVerifier(a.cfg.JWKSURL)
			if err != nil {
				return fmt.Errorf("load jwks: %w", err)
			}
			a.verifier = v
			a.closers = append(a.closers, func() error {
				v.Close()
				return nil
			})
			return nil
		}
		v, err := auth.NewHMACVerifier(a.cfg.JWTSecret)
		if err != nil {
			return err
		}
		a.verifier = v
	}
	return nil
}

func (a *app) openCache(ctx context.Context) error {
	client, err := cache.NewRedisClient(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	a.checks["redis"] = func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return nil
}

func (a *app) openBus() error {
	switch a.cfg.BusDriver {
	case "nats":
		bus, err := pubsub.NewNATSBus(a.cfg.NATSURL, a.cfg.InstanceID, a.cfg.NATSSubjectPrefix)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.bus = bus
		a.closers = append(a.closers, bus.Close)
		a.checks["bus"] = func(context.Context) error {
			return bus.Ping()
		}
	case "local":
		bus := pubsub.NewLocalBus()
		a.bus = bus
		a.closers = append(a.closers, bus.Close)
		logger.Warn("Using in-process bus: events will not reach other instances")
	}
	return nil
}

func (a *app) openStorage(ctx context.Context) error {
	if a.cfg.StorageBucket == "" {
		mem := storage.NewMemoryStorage(fmt.Sprintf("http://localhost:%s/files", a.cfg.ServerPort))
		a.storage = mem
		a.objects = mem
		a.closers = append(a.closers, mem.Close)
		logger.Warn("STORAGE_BUCKET is not set, attachments are kept in memory")
		return nil
	}

	client, err := storage.NewCloudStorageClient(ctx, a.cfg.StorageBucket, firebaseOptions(a.cfg)...)
	if err != nil {
		return fmt.Errorf("initialize cloud storage: %w", err)
	}
	a.storage = client
	a.closers = append(a.closers, client.Close)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Close resource failed: %v", err)
		}
	}
	a.closers = nil
}

// drain waits for background persistence and reconcile jobs.
func (a *app) drain(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.messages != nil {
		if err := a.messages.Drain(ctx); err != nil {
			logger.Error("drain Error: message jobs: %v", err)
		}
	}
	if a.reconcile != nil {
		if err := a.reconcile.Drain(ctx); err != nil {
			logger.Error("drain Error: reconcile jobs: %v", err)
		}
	}
}
