package mqtt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Smartcool-Ranger/mqtt-pairing/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 10 * time.Second
	defaultReconnectInterval = 5 * time.Second
	disconnectQuiesce        = 250 // ms
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client MQTT客户端封装
// 同一个构造函数用于所有 broker 连接，差异只在 config.MQTTConfig
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	// 重连后需要恢复的订阅（CleanSession 下 broker 不保留订阅）
	subscriptions map[string]subscription
	subMu         sync.RWMutex
}

// ClientIDWithSuffix 生成带随机后缀的 client id，避免多副本冲突
func ClientIDWithSuffix(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}

// NewClient 创建并连接MQTT客户端
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		config:        cfg,
		logger:        logger.With(zap.String("broker", cfg.Broker), zap.String("client_id", cfg.ClientID)),
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.logger.Info("Connected to MQTT broker")
		c.restoreSubscriptions()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("Reconnecting to MQTT broker")
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return c, nil
}

// buildClientOptions 根据配置构建 paho 选项
// OrderMatters=false: 每条消息在独立 goroutine 中处理，慢消息不阻塞其他消息
func buildClientOptions(cfg *config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	reconnect := cfg.ReconnectInterval
	if reconnect <= 0 {
		reconnect = defaultReconnectInterval
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(reconnect)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	return opts
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	if token := c.client.Subscribe(topic, qos, c.wrapHandler(handler)); token.Wait() && token.Error() != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.Info("Subscribed to topic", zap.String("topic", topic), zap.Uint8("qos", qos))
	return nil
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, sub := range c.subscriptions {
		token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		go func(topic string, token mqtt.Token) {
			if token.Wait() && token.Error() != nil {
				c.logger.Error("Failed to restore subscription", zap.String("topic", topic), zap.Error(token.Error()))
			}
		}(topic, token)
	}
}

// wrapHandler 捕获 panic 并记录 handler 返回的错误，单条消息失败不影响进程
func (c *Client) wrapHandler(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic recovered",
					zap.String("topic", msg.Topic()),
					zap.Any("panic", r),
				)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
}

// Publish 发布消息，等待 broker 确认（QoS>0）
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: topic %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	c.subMu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.subMu.Unlock()

	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Unsubscribe(topics...)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
