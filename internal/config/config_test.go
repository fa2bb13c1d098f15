package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredTopics(t *testing.T) {
	t.Setenv("OLD_MQTT_DATA_SUB_TOPIC", "ACSM/pairing/request")
	t.Setenv("OLD_MQTT_PUB_TOPIC_PATTERN", "ACSM/pairing/{chipId}")
	t.Setenv("NEW_MQTT_DATA_SUB_TOPIC", "ACSM/register")
	t.Setenv("NEW_MQTT_PUB_TOPIC_PATTERN", "ACSM/{hardware}/{chipId}/recmd")
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredTopics(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Database.Host != "localhost" {
		t.Errorf("Expected DB_HOST default 'localhost', got '%s'", cfg.Database.Host)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Expected DB_PORT default 5432, got %d", cfg.Database.Port)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Expected REDIS_ADDR default 'localhost:6379', got '%s'", cfg.Redis.Addr)
	}
	if cfg.Registry.CacheNamespace != "ACSM:2.0.0" {
		t.Errorf("Expected cache namespace 'ACSM:2.0.0', got '%s'", cfg.Registry.CacheNamespace)
	}
	if cfg.Registry.ACLTopicPrefix != "ACSM" {
		t.Errorf("Expected ACL prefix 'ACSM', got '%s'", cfg.Registry.ACLTopicPrefix)
	}
	if cfg.Registry.IPAPITimeout != 3*time.Second {
		t.Errorf("Expected IP API timeout 3s, got %v", cfg.Registry.IPAPITimeout)
	}
	if cfg.Registry.HashCost != 10 {
		t.Errorf("Expected hash cost 10, got %d", cfg.Registry.HashCost)
	}
	if cfg.Pairing.MQTT.QoS != 1 || cfg.Registration.MQTT.QoS != 1 {
		t.Errorf("Expected QoS 1 for both flows")
	}
	if !strings.HasPrefix(cfg.Pairing.MQTT.ClientID, "pairing_service_") {
		t.Errorf("Expected generated pairing client id, got '%s'", cfg.Pairing.MQTT.ClientID)
	}
	if !strings.HasPrefix(cfg.Registration.MQTT.ClientID, "registration_service_") {
		t.Errorf("Expected generated registration client id, got '%s'", cfg.Registration.MQTT.ClientID)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected LOG_LEVEL default 'info', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	setRequiredTopics(t)
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_DATABASE", "acsm_prod")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("OLD_MQTT_BROKER", "tcp://old-broker:1883")
	t.Setenv("OLD_MQTT_USER", "pairing")
	t.Setenv("NEW_MQTT_BROKER", "tcp://new-broker:1883")
	t.Setenv("NEW_MQTT_CLIENT_ID", "registration-fixed")
	t.Setenv("IP_API_URL", "http://devices.internal/api/ip")
	t.Setenv("IP_API_TIMEOUT", "750ms")
	t.Setenv("REGISTRATION_EVENT_STREAM", "acsm:device:registered")
	t.Setenv("DB_MIGRATE", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 6543 || cfg.Database.Database != "acsm_prod" {
		t.Errorf("Database env not applied: %+v", cfg.Database)
	}
	if cfg.Redis.Addr != "cache:6380" {
		t.Errorf("Expected REDIS_ADDR 'cache:6380', got '%s'", cfg.Redis.Addr)
	}
	if cfg.Pairing.MQTT.Broker != "tcp://old-broker:1883" || cfg.Pairing.MQTT.Username != "pairing" {
		t.Errorf("Pairing MQTT env not applied: %+v", cfg.Pairing.MQTT)
	}
	if cfg.Registration.MQTT.Broker != "tcp://new-broker:1883" {
		t.Errorf("Expected registration broker, got '%s'", cfg.Registration.MQTT.Broker)
	}
	if cfg.Registration.MQTT.ClientID != "registration-fixed" {
		t.Errorf("Expected fixed client id, got '%s'", cfg.Registration.MQTT.ClientID)
	}
	if cfg.Registration.PublishTopicPattern != "ACSM/{hardware}/{chipId}/recmd" {
		t.Errorf("Unexpected publish pattern '%s'", cfg.Registration.PublishTopicPattern)
	}
	if cfg.Registry.IPAPITimeout != 750*time.Millisecond {
		t.Errorf("Expected IP API timeout 750ms, got %v", cfg.Registry.IPAPITimeout)
	}
	if cfg.Registry.EventStream != "acsm:device:registered" {
		t.Errorf("Unexpected event stream '%s'", cfg.Registry.EventStream)
	}
	if !cfg.Registry.MigrateOnStartup {
		t.Errorf("Expected DB_MIGRATE to enable migrations")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected LOG_LEVEL 'debug', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_SingleFlow(t *testing.T) {
	t.Setenv("OLD_MQTT_DATA_SUB_TOPIC", "")
	t.Setenv("NEW_MQTT_DATA_SUB_TOPIC", "ACSM/register")
	t.Setenv("NEW_MQTT_PUB_TOPIC_PATTERN", "ACSM/{hardware}/{chipId}/recmd")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Pairing.Enabled() {
		t.Errorf("Pairing should be disabled without a subscribe topic")
	}
	if !cfg.Registration.Enabled() {
		t.Errorf("Registration should be enabled")
	}
}

func TestLoad_NoFlow(t *testing.T) {
	t.Setenv("OLD_MQTT_DATA_SUB_TOPIC", "")
	t.Setenv("NEW_MQTT_DATA_SUB_TOPIC", "")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error when no flow is enabled")
	}
}

func TestLoad_MissingPublishPattern(t *testing.T) {
	t.Setenv("OLD_MQTT_DATA_SUB_TOPIC", "ACSM/pairing/request")
	t.Setenv("OLD_MQTT_PUB_TOPIC_PATTERN", "")
	t.Setenv("NEW_MQTT_DATA_SUB_TOPIC", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "OLD_MQTT_PUB_TOPIC_PATTERN") {
		t.Fatalf("Expected missing pattern error, got %v", err)
	}
}
