package consumer

import (
	"context"
	"strings"

	mqttcommon "github.com/Smartcool-Ranger/mqtt-pairing/common/mqtt"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/repository"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/store"
)

// QoSAtLeastOnce 回复消息的 QoS
const QoSAtLeastOnce byte = 1

// Broker MQTT 订阅与发布（*mqttcommon.Client 实现）
type Broker interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// NameCache 设备名缓存，任何失败都按未命中处理
type NameCache interface {
	LookupDeviceName(ctx context.Context, chipID string) (string, bool)
}

// DeviceNameFinder 按 chip_id 查设备名，找不到返回 repository.ErrNotFound
type DeviceNameFinder interface {
	FindDeviceNameByChipID(ctx context.Context, chipID string) (string, error)
}

// DeviceStore 注册流程使用的设备存储
type DeviceStore interface {
	FindByChipID(ctx context.Context, chipID string) (*repository.Device, error)
	LatestActivePlacement(ctx context.Context, deviceID int64) (*repository.Placement, error)
	CreateDevice(ctx context.Context, nd repository.NewDevice) (*repository.Device, error)
}

// AddressResolver 设备 IP 查询，尽力而为
type AddressResolver interface {
	ResolveAddress(ctx context.Context, chipID, hardware string) (string, bool)
}

// EventPublisher 新设备事件
type EventPublisher interface {
	PublishDeviceRegistered(ctx context.Context, evt store.DeviceRegisteredEvent) (string, error)
}

// IDSource 响应关联 ID
type IDSource interface {
	Next() int32
}

var (
	_ Broker           = (*mqttcommon.Client)(nil)
	_ NameCache        = (*store.IdentityCache)(nil)
	_ DeviceNameFinder = (*repository.DeviceRepository)(nil)
	_ DeviceStore      = (*repository.DeviceRepository)(nil)
	_ EventPublisher   = (*store.RegistrationEvents)(nil)
)

// renderTopic 替换主题模板中的 {chipId}、{hardware}
func renderTopic(pattern, chipID, hardware string) string {
	return strings.NewReplacer("{chipId}", chipID, "{hardware}", hardware).Replace(pattern)
}
