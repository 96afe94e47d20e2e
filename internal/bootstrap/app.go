package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"gopherchat/internal/ai"
	"gopherchat/internal/app"
	"gopherchat/internal/blob"
	"gopherchat/internal/cache"
	"gopherchat/internal/config"
	"gopherchat/internal/model"
	mysqlClient "gopherchat/internal/platform/mysql"
	"gopherchat/internal/platform/paramstore"
	rabbitmqClient "gopherchat/internal/platform/rabbitmq"
	redisClient "gopherchat/internal/platform/redis"
	"gopherchat/internal/repository"
	"gopherchat/internal/worker"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	MessageWorker *worker.MessagePersistWorker

	AuthService  *app.AuthService
	ChatService  *app.ChatService
	RelayService *app.RelayService

	StartedAt time.Time
}

// New builds every long-lived dependency once. On error everything opened so
// far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, StartedAt: time.Now()}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	var err error
	a.MySQL, err = mysqlClient.New(ctx, cfg.MySQLDSN(), mysqlClient.PoolConfig{
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		ConnMaxLifetime: time.Duration(cfg.MySQL.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return err
	}
	if err := a.MySQL.AutoMigrate(&model.User{}, &model.Collection{}, &model.Message{}); err != nil {
		return fmt.Errorf("auto migrate tables failed: %w", err)
	}

	a.Redis, err = redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}

	a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.MessagePersistQueue)
	if err != nil {
		return err
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Blob.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Blob.AWSRegion))
		}
		loaded, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load aws config failed: %w", err)
		}
		awsCfg = &loaded
		return loaded, nil
	}

	storage, err := newBlobStorage(cfg.Blob, loadAWS)
	if err != nil {
		return err
	}
	provider, err := newProvider(ctx, cfg.LLM, loadAWS)
	if err != nil {
		return err
	}

	userRepo := repository.NewUserRepository(a.MySQL)
	collectionRepo := repository.NewCollectionRepository(a.MySQL)
	messageRepo := repository.NewMessageRepository(a.MySQL)
	historyCache := cache.NewHistoryCache(
		a.Redis,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	store := app.NewConversationStore(collectionRepo, messageRepo, historyCache)

	a.MessageWorker = worker.NewMessagePersistWorker(a.MQConn, store, cfg.RabbitMQ.MessagePersistQueue, logger)
	if err := a.MessageWorker.Start(ctx); err != nil {
		return fmt.Errorf("start message worker failed: %w", err)
	}

	a.AuthService = app.NewAuthService(userRepo, cfg.Auth.JWTSecret, time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute)
	a.ChatService = app.NewChatService(store, storage)
	a.RelayService = app.NewRelayService(
		store,
		storage,
		provider,
		cache.NewTurnLock(a.Redis, cfg.TurnLockTTL()),
		rabbitmqClient.NewMessagePublisher(a.MQConn, cfg.RabbitMQ.MessagePersistQueue),
		app.RelayConfig{
			MaxAttachments:     cfg.Upload.MaxFiles,
			MaxAttachmentBytes: cfg.Upload.MaxFileBytes,
			HistoryDepth:       cfg.LLM.MaxContextMessage,
			ImageMaxEdge:       cfg.LLM.MaxImageEdge,
		},
		logger,
	)

	logger.Info("dependencies ready", "blob_backend", cfg.Blob.Backend, "model", cfg.LLM.Model)
	return nil
}

func newBlobStorage(cfg config.BlobConfig, loadAWS func() (aws.Config, error)) (blob.Storage, error) {
	switch cfg.Backend {
	case "s3":
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return blob.NewS3Storage(awss3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix)
	default:
		return blob.NewLocalStorage(cfg.LocalDir)
	}
}

// newProvider resolves the model API key, preferring SSM Parameter Store
// when a parameter name is configured.
func newProvider(ctx context.Context, cfg config.LLMConfig, loadAWS func() (aws.Config, error)) (ai.Provider, error) {
	apiKey := cfg.APIKey
	if cfg.APIKeySSMParam != "" {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		apiKey, err = params.GetSecret(ctx, cfg.APIKeySSMParam)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", app.ErrLLMConfig, err)
		}
	}

	chatCfg := ai.ChatConfig{
		BaseURL:      cfg.BaseURL,
		APIKey:       apiKey,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
	}
	if !chatCfg.Valid() {
		return nil, fmt.Errorf("%w: base_url, api key and model are required", app.ErrLLMConfig)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	return ai.NewOpenAICompatibleClient(chatCfg, httpClient), nil
}

func (a *App) Close() error {
	var closeErr error
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
