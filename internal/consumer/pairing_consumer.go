package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Smartcool-Ranger/mqtt-pairing/internal/config"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/models"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/repository"

	"go.uber.org/zap"
)

// PairingConsumer 旧版配对：chipid -> 设备名，先查缓存再查数据库
type PairingConsumer struct {
	flow           config.FlowConfig
	broker         Broker
	cache          NameCache
	finder         DeviceNameFinder
	messageTimeout time.Duration
	logger         *zap.Logger

	mu      sync.RWMutex
	baseCtx context.Context
}

// NewPairingConsumer 创建配对消费者
func NewPairingConsumer(
	flow config.FlowConfig,
	broker Broker,
	cache NameCache,
	finder DeviceNameFinder,
	messageTimeout time.Duration,
	logger *zap.Logger,
) *PairingConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PairingConsumer{
		flow:           flow,
		broker:         broker,
		cache:          cache,
		finder:         finder,
		messageTimeout: messageTimeout,
		logger:         logger.With(zap.String("flow", "pairing")),
		baseCtx:        context.Background(),
	}
}

// Start 订阅配对请求主题；ctx 取消后进行中的消息随之取消
func (c *PairingConsumer) Start(ctx context.Context) error {
	topic := c.flow.SubscribeTopic
	if topic == "" {
		return fmt.Errorf("pairing subscribe topic not configured")
	}

	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	if err := c.broker.Subscribe(topic, QoSAtLeastOnce, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to pairing topic: %w", err)
	}

	c.logger.Info("Pairing consumer started",
		zap.String("topic", topic),
		zap.String("publish_pattern", c.flow.PublishTopicPattern),
	)
	return nil
}

// Stop 取消订阅
func (c *PairingConsumer) Stop(ctx context.Context) error {
	if topic := c.flow.SubscribeTopic; topic != "" {
		if err := c.broker.Unsubscribe(topic); err != nil {
			c.logger.Error("Failed to unsubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
	c.logger.Info("Pairing consumer stopped")
	return nil
}

// HandleMessage 处理一条配对请求。
// 无效消息静默丢弃；查不到设备只记录日志，不回复（设备会重试）。
func (c *PairingConsumer) HandleMessage(topic string, payload []byte) error {
	if topic != c.flow.SubscribeTopic {
		c.logger.Debug("Ignoring message on unexpected topic", zap.String("topic", topic))
		return nil
	}

	req, err := models.DecodePairingRequest(payload)
	if err != nil {
		c.logger.Debug("Discarding malformed pairing request",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil
	}

	ctx, cancel := c.messageContext()
	defer cancel()

	rawChipID := string(req.ChipID)
	chipID := req.ChipID.Trimmed()

	deviceName, err := c.resolveDeviceName(ctx, chipID)
	if err != nil {
		return err
	}
	if deviceName == "" {
		c.logger.Warn("Pairing failed: device not registered", zap.String("chip_id", chipID))
		return nil
	}

	body, err := json.Marshal(models.NewPairingConfirmation(rawChipID, deviceName))
	if err != nil {
		return fmt.Errorf("failed to marshal pairing confirmation: %w", err)
	}

	replyTopic := renderTopic(c.flow.PublishTopicPattern, rawChipID, "")
	if err := c.broker.Publish(replyTopic, QoSAtLeastOnce, false, body); err != nil {
		c.logger.Error("Failed to publish pairing confirmation",
			zap.String("topic", replyTopic),
			zap.String("chip_id", chipID),
			zap.Error(err),
		)
		return nil
	}

	c.logger.Info("Pairing confirmation published",
		zap.String("topic", replyTopic),
		zap.String("chip_id", chipID),
		zap.String("device_name", deviceName),
	)
	return nil
}

// resolveDeviceName 缓存命中则不查数据库；返回空串表示设备不存在
func (c *PairingConsumer) resolveDeviceName(ctx context.Context, chipID string) (string, error) {
	if name, ok := c.cache.LookupDeviceName(ctx, chipID); ok {
		return name, nil
	}

	name, err := c.finder.FindDeviceNameByChipID(ctx, chipID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up device for chip %s: %w", chipID, err)
	}
	return name, nil
}

func (c *PairingConsumer) messageContext() (context.Context, context.CancelFunc) {
	c.mu.RLock()
	base := c.baseCtx
	c.mu.RUnlock()
	if c.messageTimeout > 0 {
		return context.WithTimeout(base, c.messageTimeout)
	}
	return context.WithCancel(base)
}
