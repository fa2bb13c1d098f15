package store

import (
	"context"
	"fmt"
	"time"

	rediscommon "github.com/Smartcool-Ranger/mqtt-pairing/common/redis"

	"github.com/go-redis/redis/v8"
)

// DeviceRegisteredEvent is appended to the registration stream for every
// device created by this service.
type DeviceRegisteredEvent struct {
	DeviceID   int64  `json:"device_id"`
	DeviceName string `json:"device_name"`
	ChipID     string `json:"chip_id"`
	Hardware   string `json:"hardware"`
	Firmware   string `json:"firmware"`
	CreatedAt  int64  `json:"created_at"`
}

// RegistrationEvents publishes DeviceRegisteredEvent to a Redis stream.
type RegistrationEvents struct {
	client *redis.Client
	stream string
}

func NewRegistrationEvents(client *redis.Client, stream string) *RegistrationEvents {
	return &RegistrationEvents{client: client, stream: stream}
}

// PublishDeviceRegistered returns the stream entry id.
func (e *RegistrationEvents) PublishDeviceRegistered(ctx context.Context, evt DeviceRegisteredEvent) (string, error) {
	if evt.CreatedAt == 0 {
		evt.CreatedAt = time.Now().Unix()
	}
	id, err := rediscommon.PublishJSONToStream(ctx, e.client, e.stream, evt)
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", e.stream, err)
	}
	return id, nil
}
