package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"cvboard/internal/api"
	"cvboard/internal/auth"
	"cvboard/internal/config"
	"cvboard/internal/database"
	"cvboard/internal/storage"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	log.Printf("database connection ready")

	if err := db.AutoMigrate(&database.User{}, &database.Resume{}, &database.ParseJob{}); err != nil {
		log.Fatalf("auto migrate: %v", err)
	}
	log.Printf("database migrated")

	if err := seedDefaultUser(db); err != nil {
		log.Fatalf("seed default user: %v", err)
	}

	authService, err := loadAuthService(cfg.Auth)
	if err != nil {
		log.Fatalf("init auth service: %v", err)
	}

	// 配置了私钥时为种子用户签发令牌，方便用 jobwatch 等工具本地联调。
	if token, err := authService.GenerateAccessToken(1); err == nil {
		log.Printf("dev access token for user 1 (ttl %s): %s", authService.AccessTokenTTL(), token)
	}

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	log.Printf("storage client ready, bucket=%s", cfg.MinIO.Bucket)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Error("close asynq client failed", slog.Any("error", err))
		}
	}()

	router := api.NewRouter(logger)
	api.RegisterRoutes(router, db, asynqClient, authService, redisClient, logger, storageClient, cfg)

	address := fmt.Sprintf(":%d", cfg.API.Port)
	log.Printf("api listening on %s", address)
	if err := router.Run(address); err != nil {
		log.Fatalf("failed to start api server: %v", err)
	}
}

// seedDefaultUser 保证 ID=1 的测试用户存在，方便本地联调。
func seedDefaultUser(db *gorm.DB) error {
	var seedUser database.User
	switch err := db.First(&seedUser, 1).Error; {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		hash, err := auth.HashPassword("test_password")
		if err != nil {
			return err
		}
		seeded := database.User{Model: gorm.Model{ID: 1}, Username: "test_user", PasswordHash: hash}
		if err := db.Create(&seeded).Error; err != nil {
			return err
		}
		log.Printf("seeded default user with ID 1")
		return nil
	default:
		return err
	}
}

func loadAuthService(cfg config.AuthConfig) (*auth.AuthService, error) {
	publicKey, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	var privateKey []byte
	if cfg.PrivateKeyPath != "" {
		privateKey, err = os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
	}

	accessTTL := time.Duration(cfg.AccessTTLMin) * time.Minute
	return auth.NewAuthService(privateKey, publicKey, accessTTL)
}
