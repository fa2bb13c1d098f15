package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Smartcool-Ranger/mqtt-pairing/common/database"
	mqttcommon "github.com/Smartcool-Ranger/mqtt-pairing/common/mqtt"
	rediscommon "github.com/Smartcool-Ranger/mqtt-pairing/common/redis"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/config"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/consumer"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/credential"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/idgen"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/repository"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var _ consumer.AddressResolver = (*AddressClient)(nil)

// messageConsumer 配对 / 注册消费者的公共生命周期
type messageConsumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RegistryService 设备配对与注册服务
type RegistryService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redis       *redis.Client
	mqttClients []*mqttcommon.Client
	consumers   []messageConsumer
}

// NewRegistryService 创建服务：连接数据库、Redis 和已启用业务流的 MQTT broker
func NewRegistryService(cfg *config.Config, logger *zap.Logger) (_ *RegistryService, err error) {
	s := &RegistryService{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	// 初始化数据库
	s.db, err = database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	hasher := credential.NewBcryptHasher(cfg.Registry.HashCost)
	deviceRepo := repository.NewDeviceRepository(s.db, hasher, cfg.Registry.ACLTopicPrefix, logger)
	if cfg.Registry.MigrateOnStartup {
		if err = deviceRepo.EnsureSchema(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		logger.Info("Database schema ensured")
	}

	// 初始化Redis；缓存不可用不影响启动，查询时按未命中处理
	s.redis = rediscommon.NewRedisClient(&cfg.Redis)
	if pingErr := rediscommon.Ping(context.Background(), s.redis); pingErr != nil {
		logger.Warn("Redis unavailable at startup, identity cache will miss",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(pingErr),
		)
	}

	if cfg.Pairing.Enabled() {
		client, connErr := s.connect(&cfg.Pairing)
		if connErr != nil {
			return nil, connErr
		}
		cache := store.NewIdentityCache(store.NewRedisKV(s.redis), cfg.Registry.CacheNamespace, logger)
		s.consumers = append(s.consumers, consumer.NewPairingConsumer(
			cfg.Pairing,
			client,
			cache,
			deviceRepo,
			cfg.Registry.MessageTimeout,
			logger,
		))
	}

	if cfg.Registration.Enabled() {
		client, connErr := s.connect(&cfg.Registration)
		if connErr != nil {
			return nil, connErr
		}
		opts := consumer.RegistrationOptions{
			IDs:               idgen.New(),
			MessageTimeout:    cfg.Registry.MessageTimeout,
			EnrichmentTimeout: cfg.Registry.IPAPITimeout,
		}
		if cfg.Registry.IPAPIURL != "" {
			opts.Resolver = NewAddressClient(cfg.Registry.IPAPIURL, cfg.Registry.IPAPITimeout, logger)
		}
		if cfg.Registry.EventStream != "" {
			opts.Events = store.NewRegistrationEvents(s.redis, cfg.Registry.EventStream)
		}
		s.consumers = append(s.consumers, consumer.NewRegistrationConsumer(
			cfg.Registration,
			client,
			deviceRepo,
			opts,
			logger,
		))
	}

	return s, nil
}

func (s *RegistryService) connect(flow *config.FlowConfig) (*mqttcommon.Client, error) {
	client, err := mqttcommon.NewClient(&flow.MQTT, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", flow.MQTT.Broker, err)
	}
	s.mqttClients = append(s.mqttClients, client)
	return client, nil
}

// Start 启动所有消费者并阻塞到 ctx 取消
func (s *RegistryService) Start(ctx context.Context) error {
	s.logger.Info("Starting registry service components",
		zap.Bool("pairing", s.config.Pairing.Enabled()),
		zap.Bool("registration", s.config.Registration.Enabled()),
	)

	for _, c := range s.consumers {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
	}

	s.logger.Info("Registry service started successfully")

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止服务
func (s *RegistryService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping registry service")

	for _, c := range s.consumers {
		if err := c.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}
	s.close()

	s.logger.Info("Registry service stopped")
	return nil
}

func (s *RegistryService) close() {
	// 断开MQTT
	for _, client := range s.mqttClients {
		client.Disconnect()
	}
	s.mqttClients = nil

	// 关闭Redis
	if s.redis != nil {
		if err := rediscommon.Close(s.redis); err != nil {
			s.logger.Warn("Failed to close redis", zap.Error(err))
		}
		s.redis = nil
	}

	// 关闭数据库
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Warn("Failed to close database", zap.Error(err))
		}
		s.db = nil
	}
}
