package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Smartcool-Ranger/mqtt-pairing/common/logger"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/config"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/service"

	"go.uber.org/zap"
)

const serviceName = "acsm-registry"

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting acsm-registry service",
		zap.String("pairing_broker", cfg.Pairing.MQTT.Broker),
		zap.String("pairing_topic", cfg.Pairing.SubscribeTopic),
		zap.String("registration_broker", cfg.Registration.MQTT.Broker),
		zap.String("registration_topic", cfg.Registration.SubscribeTopic),
	)

	// 创建服务
	registry, err := service.NewRegistryService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create registry service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 在 goroutine 中启动服务
	go func() {
		if err := registry.Start(ctx); err != nil {
			zapLogger.Error("Failed to start registry service", zap.Error(err))
			cancel()
		}
	}()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// 优雅关闭
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := registry.Stop(stopCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
