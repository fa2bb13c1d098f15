package consumer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	mqttcommon "github.com/Smartcool-Ranger/mqtt-pairing/common/mqtt"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/repository"
	"github.com/Smartcool-Ranger/mqtt-pairing/internal/store"
)

type publishedMessage struct {
	Topic   string
	QoS     byte
	Payload []byte
}

type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]mqttcommon.MessageHandler
	unsubscribed []string
	published    []publishedMessage
	publishErr   error
	subscribeErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqttcommon.MessageHandler)}
}

func (b *fakeBroker) Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error {
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, topics...)
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return nil
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMessage{Topic: topic, QoS: qos, Payload: payload})
	return nil
}

// deliver 模拟 broker 投递
func (b *fakeBroker) deliver(topic string, payload string) error {
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	if handler == nil {
		return errors.New("no subscriber for " + topic)
	}
	return handler(topic, []byte(payload))
}

func (b *fakeBroker) messages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.published...)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
	lookups []string
}

func (c *fakeCache) LookupDeviceName(ctx context.Context, chipID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups = append(c.lookups, chipID)
	name, ok := c.entries[chipID]
	return name, ok
}

type fakeFinder struct {
	mu    sync.Mutex
	names map[string]string
	err   error
	calls []string
}

func (f *fakeFinder) FindDeviceNameByChipID(ctx context.Context, chipID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chipID)
	if f.err != nil {
		return "", f.err
	}
	name, ok := f.names[chipID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return name, nil
}

func (f *fakeFinder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memoryStore 内存版设备存储，chip_id 唯一，设备名顺序递增
type memoryStore struct {
	mu         sync.Mutex
	devices    map[string]*repository.Device
	placements map[int64]*repository.Placement
	lastNumber int64

	findErr      error
	placementErr error
	createErr    error
	creates      int
	// beforeCreate 在创建前调用，可模拟另一条消息抢先注册
	beforeCreate func(s *memoryStore, nd repository.NewDevice)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		devices:    make(map[string]*repository.Device),
		placements: make(map[int64]*repository.Placement),
	}
}

func (s *memoryStore) FindByChipID(ctx context.Context, chipID string) (*repository.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	d, ok := s.devices[strings.TrimSpace(chipID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (s *memoryStore) LatestActivePlacement(ctx context.Context, deviceID int64) (*repository.Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placementErr != nil {
		return nil, s.placementErr
	}
	p, ok := s.placements[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) CreateDevice(ctx context.Context, nd repository.NewDevice) (*repository.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeCreate != nil {
		hook := s.beforeCreate
		s.beforeCreate = nil
		hook(s, nd)
	}
	if s.createErr != nil {
		return nil, s.createErr
	}
	if _, exists := s.devices[nd.ChipID]; exists {
		return nil, repository.ErrConflict
	}
	return s.insertLocked(nd), nil
}

func (s *memoryStore) insertLocked(nd repository.NewDevice) *repository.Device {
	s.lastNumber++
	s.creates++
	d := &repository.Device{
		ID:         s.lastNumber,
		DeviceName: repository.FormatDeviceName(s.lastNumber),
		Firmware:   nd.Firmware,
		Hardware:   nd.Hardware,
		ChipID:     nd.ChipID,
		CreatedAt:  time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	s.devices[nd.ChipID] = d
	copied := *d
	return &copied
}

func (s *memoryStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

type fakeResolver struct {
	ip    string
	ok    bool
	delay time.Duration
}

func (r *fakeResolver) ResolveAddress(ctx context.Context, chipID, hardware string) (string, bool) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", false
		}
	}
	return r.ip, r.ok
}

type fakeEvents struct {
	mu     sync.Mutex
	events []store.DeviceRegisteredEvent
	err    error
}

func (e *fakeEvents) PublishDeviceRegistered(ctx context.Context, evt store.DeviceRegisteredEvent) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
	return "1-0", nil
}

type fixedIDs struct{ id int32 }

func (f fixedIDs) Next() int32 { return f.id }
