package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/Smartcool-Ranger/mqtt-pairing/common/config"
	mqttcommon "github.com/Smartcool-Ranger/mqtt-pairing/common/mqtt"
)

// FlowConfig 一条 MQTT 业务流（旧版配对 / 新版注册）的配置
type FlowConfig struct {
	MQTT                config.MQTTConfig
	SubscribeTopic      string // 设备上报主题
	PublishTopicPattern string // 回复主题模板，支持 {chipId}、{hardware}
}

// Enabled 配置了订阅主题才启用
func (f *FlowConfig) Enabled() bool {
	return f.SubscribeTopic != ""
}

// Config 配对/注册服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig

	Pairing      FlowConfig // OLD_MQTT_*
	Registration FlowConfig // NEW_MQTT_*

	Registry struct {
		CacheNamespace   string        // Redis 设备缓存 key 前缀
		ACLTopicPrefix   string        // mqtt_commands 主题前缀
		IPAPIURL         string        // 设备 IP 查询接口，空则不查询
		IPAPITimeout     time.Duration // IP 查询超时
		EventStream      string        // 新设备事件 Redis Stream，空则不发布
		MessageTimeout   time.Duration // 单条消息处理上限
		HashCost         int           // bcrypt cost
		MigrateOnStartup bool          // 启动时建表
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "acsm"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.Pairing = loadFlow("OLD_MQTT", "pairing_service")
	cfg.Registration = loadFlow("NEW_MQTT", "registration_service")

	cfg.Registry.CacheNamespace = getEnv("REDIS_KEY_NAMESPACE", "ACSM:2.0.0")
	cfg.Registry.ACLTopicPrefix = getEnv("ACL_TOPIC_PREFIX", "ACSM")
	cfg.Registry.IPAPIURL = getEnv("IP_API_URL", "")
	cfg.Registry.IPAPITimeout = getEnvDuration("IP_API_TIMEOUT", 3*time.Second)
	cfg.Registry.EventStream = getEnv("REGISTRATION_EVENT_STREAM", "")
	cfg.Registry.MessageTimeout = getEnvDuration("MESSAGE_TIMEOUT", 30*time.Second)
	cfg.Registry.HashCost = getEnvInt("CREDENTIAL_HASH_COST", 10)
	cfg.Registry.MigrateOnStartup = getEnvBool("DB_MIGRATE", false)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFlow(prefix, clientIDPrefix string) FlowConfig {
	flow := FlowConfig{}
	flow.MQTT.Broker = "mqtt://localhost:1883"
	flow.MQTT.QoS = 1
	flow.MQTT.ReconnectInterval = 5 * time.Second
	flow.MQTT.LoadFromEnv(prefix)
	if flow.MQTT.ClientID == "" {
		flow.MQTT.ClientID = mqttcommon.ClientIDWithSuffix(clientIDPrefix)
	}
	flow.SubscribeTopic = getEnv(prefix+"_DATA_SUB_TOPIC", "")
	flow.PublishTopicPattern = getEnv(prefix+"_PUB_TOPIC_PATTERN", "")
	return flow
}

// Validate 至少启用一条业务流，且启用的业务流必须配置回复主题
func (c *Config) Validate() error {
	if !c.Pairing.Enabled() && !c.Registration.Enabled() {
		return errors.New("no flow enabled: set OLD_MQTT_DATA_SUB_TOPIC and/or NEW_MQTT_DATA_SUB_TOPIC")
	}
	if c.Pairing.Enabled() && c.Pairing.PublishTopicPattern == "" {
		return errors.New("OLD_MQTT_PUB_TOPIC_PATTERN is required when pairing is enabled")
	}
	if c.Registration.Enabled() && c.Registration.PublishTopicPattern == "" {
		return errors.New("NEW_MQTT_PUB_TOPIC_PATTERN is required when registration is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
