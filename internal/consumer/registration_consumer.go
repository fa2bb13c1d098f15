package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Smartcool-Ranger/mqtt-pairing/internal/config"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/idgen"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/models"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/repository"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/store"

	"go.uber.org/zap"
)

// maxCreateAttempts 并发注册冲突时最多重试的次数
const maxCreateAttempts = 3

// DefaultEnrichmentTimeout 等待 IP 查询的上限
const DefaultEnrichmentTimeout = 3 * time.Second

// RegistrationOptions 注册消费者的可选协作者
type RegistrationOptions struct {
	Resolver          AddressResolver // nil 则不查询 IP
	Events            EventPublisher  // nil 则不发布新设备事件
	IDs               IDSource        // nil 则使用进程内 idgen
	MessageTimeout    time.Duration
	EnrichmentTimeout time.Duration
}

// RegistrationConsumer 新版注册：查找或创建设备并回复设备信息
type RegistrationConsumer struct {
	flow   config.FlowConfig
	broker Broker
	store  DeviceStore
	opts   RegistrationOptions
	logger *zap.Logger

	mu      sync.RWMutex
	baseCtx context.Context
}

// NewRegistrationConsumer 创建注册消费者
func NewRegistrationConsumer(
	flow config.FlowConfig,
	broker Broker,
	deviceStore DeviceStore,
	opts RegistrationOptions,
	logger *zap.Logger,
) *RegistrationConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IDs == nil {
		opts.IDs = idgen.New()
	}
	if opts.EnrichmentTimeout <= 0 {
		opts.EnrichmentTimeout = DefaultEnrichmentTimeout
	}
	return &RegistrationConsumer{
		flow:    flow,
		broker:  broker,
		store:   deviceStore,
		opts:    opts,
		logger:  logger.With(zap.String("flow", "registration")),
		baseCtx: context.Background(),
	}
}

// Start 订阅注册请求主题
func (c *RegistrationConsumer) Start(ctx context.Context) error {
	topic := c.flow.SubscribeTopic
	if topic == "" {
		return fmt.Errorf("registration subscribe topic not configured")
	}

	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	if err := c.broker.Subscribe(topic, QoSAtLeastOnce, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to registration topic: %w", err)
	}

	c.logger.Info("Registration consumer started",
		zap.String("topic", topic),
		zap.String("publish_pattern", c.flow.PublishTopicPattern),
		zap.Bool("enrichment", c.opts.Resolver != nil),
		zap.Bool("events", c.opts.Events != nil),
	)
	return nil
}

// Stop 取消订阅
func (c *RegistrationConsumer) Stop(ctx context.Context) error {
	if topic := c.flow.SubscribeTopic; topic != "" {
		if err := c.broker.Unsubscribe(topic); err != nil {
			c.logger.Error("Failed to unsubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
	c.logger.Info("Registration consumer stopped")
	return nil
}

// HandleMessage 处理一条注册请求：
//  1. 解析并校验（chip_id/firmware/hardware 必填），无效则丢弃
//  2. 并行查询设备 IP
//  3. 查找设备，不存在则事务创建
//  4. 组装响应并发布到 {hardware}/{chipId} 主题
//
// 存储错误放弃本条消息且不回复；发布失败只记录日志。
func (c *RegistrationConsumer) HandleMessage(topic string, payload []byte) error {
	req, err := models.DecodeRegistrationRequest(payload)
	if err != nil {
		c.logger.Debug("Discarding malformed registration request",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil
	}

	ctx, cancel := c.messageContext()
	defer cancel()

	rawChipID := string(req.ChipID)
	chipID := req.ChipID.Trimmed()

	addressCtx, cancelAddress := context.WithTimeout(ctx, c.opts.EnrichmentTimeout)
	defer cancelAddress()
	addressCh := c.startEnrichment(addressCtx, rawChipID, req.Hardware)

	data, err := c.resolveDevice(ctx, req, chipID)
	if err != nil {
		return fmt.Errorf("registration for chip %s abandoned: %w", chipID, err)
	}
	data.IP = awaitAddress(addressCtx, addressCh)

	response := models.RegistrationResponse{
		ID:      c.opts.IDs.Next(),
		Type:    models.ResponseTypeSet,
		Command: models.CommandRegisterACSM,
		Key:     0,
		Data:    data,
	}
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal registration response: %w", err)
	}

	replyTopic := renderTopic(c.flow.PublishTopicPattern, rawChipID, req.Hardware)
	if err := c.broker.Publish(replyTopic, QoSAtLeastOnce, false, body); err != nil {
		c.logger.Error("Failed to publish registration response",
			zap.String("topic", replyTopic),
			zap.String("chip_id", chipID),
			zap.Error(err),
		)
		return nil
	}

	c.logger.Info("Registration response published",
		zap.String("topic", replyTopic),
		zap.String("chip_id", chipID),
		zap.String("device_name", data.Name),
		zap.Int64("ac_id", data.ACID),
		zap.String("ip", data.IP),
	)
	return nil
}

// resolveDevice 已有设备走查询路径；新设备创建后 ac_id 为 0。
// 创建冲突说明另一条消息已注册该 chip，重新查询即可。
func (c *RegistrationConsumer) resolveDevice(ctx context.Context, req *models.RegistrationRequest, chipID string) (models.RegistrationData, error) {
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		device, err := c.store.FindByChipID(ctx, chipID)
		if err == nil {
			return c.existingDeviceData(ctx, device)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return models.RegistrationData{}, err
		}

		device, err = c.store.CreateDevice(ctx, repository.NewDevice{
			ChipID:       chipID,
			Firmware:     req.Firmware,
			Hardware:     req.Hardware,
			MacWifi:      req.MacWifi,
			MacBluetooth: req.MacBluetooth,
		})
		if err == nil {
			c.logger.Info("Device registered",
				zap.String("chip_id", chipID),
				zap.String("device_name", device.DeviceName),
				zap.Int64("device_id", device.ID),
			)
			c.publishRegistered(ctx, device)
			return models.RegistrationData{
				Name:    device.DeviceName,
				License: device.License,
			}, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return models.RegistrationData{}, err
		}

		c.logger.Info("Concurrent registration detected, retrying lookup",
			zap.String("chip_id", chipID),
			zap.Int("attempt", attempt),
		)
	}
	return models.RegistrationData{}, fmt.Errorf("device still conflicting after %d attempts: %w", maxCreateAttempts, repository.ErrConflict)
}

// existingDeviceData ac_id 取最近激活的 placement，其次设备自身的 ac_id
func (c *RegistrationConsumer) existingDeviceData(ctx context.Context, device *repository.Device) (models.RegistrationData, error) {
	data := models.RegistrationData{
		Name:    device.DeviceName,
		License: device.License,
	}

	placement, err := c.store.LatestActivePlacement(ctx, device.ID)
	switch {
	case err == nil:
		data.ACID = placement.ACID
	case !errors.Is(err, repository.ErrNotFound):
		return models.RegistrationData{}, err
	}

	if data.ACID == 0 && device.ACID != nil {
		data.ACID = *device.ACID
	}
	return data, nil
}

func (c *RegistrationConsumer) publishRegistered(ctx context.Context, device *repository.Device) {
	if c.opts.Events == nil {
		return
	}
	evt := store.DeviceRegisteredEvent{
		DeviceID:   device.ID,
		DeviceName: device.DeviceName,
		ChipID:     device.ChipID,
		Hardware:   device.Hardware,
		Firmware:   device.Firmware,
	}
	if !device.CreatedAt.IsZero() {
		evt.CreatedAt = device.CreatedAt.Unix()
	}
	id, err := c.opts.Events.PublishDeviceRegistered(ctx, evt)
	if err != nil {
		c.logger.Warn("Failed to publish device registered event",
			zap.String("device_name", device.DeviceName),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("Device registered event published",
		zap.String("device_name", device.DeviceName),
		zap.String("stream_id", id),
	)
}

// startEnrichment 在后台查询 IP，结果写入带缓冲的 channel，查询方不会阻塞
func (c *RegistrationConsumer) startEnrichment(ctx context.Context, chipID, hardware string) <-chan string {
	ch := make(chan string, 1)
	if c.opts.Resolver == nil {
		ch <- ""
		return ch
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Panic in address lookup", zap.Any("panic", r))
				ch <- ""
			}
		}()
		ip, ok := c.opts.Resolver.ResolveAddress(ctx, chipID, hardware)
		if !ok {
			ip = ""
		}
		ch <- ip
	}()
	return ch
}

// awaitAddress 超时或查询失败返回 0.0.0.0
func awaitAddress(ctx context.Context, ch <-chan string) string {
	var ip string
	select {
	case ip = <-ch:
	default:
		select {
		case ip = <-ch:
		case <-ctx.Done():
		}
	}
	if ip == "" {
		return models.UnknownAddress
	}
	return ip
}


func (c *RegistrationConsumer) messageContext() (context.Context, context.CancelFunc) {
	c.mu.RLock()
	base := c.baseCtx
	c.mu.RUnlock()
	if c.opts.MessageTimeout > 0 {
		return context.WithTimeout(base, c.opts.MessageTimeout)
	}
	return context.WithCancel(base)
}
