package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Smartcool-Ranger/mqtt-pairing/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingConsumer struct {
	startErr error
	started  bool
	stopped  bool
}

func (c *recordingConsumer) Start(ctx context.Context) error {
	c.started = true
	return c.startErr
}

func (c *recordingConsumer) Stop(ctx context.Context) error {
	c.stopped = true
	return nil
}

func TestRegistryService_StartBlocksUntilCancelled(t *testing.T) {
	pairing, registration := &recordingConsumer{}, &recordingConsumer{}
	s := &RegistryService{
		config:    &config.Config{},
		logger:    zap.NewNop(),
		consumers: []messageConsumer{pairing, registration},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Start returned before cancel: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.True(t, pairing.started)
	assert.True(t, registration.started)

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, pairing.stopped)
	assert.True(t, registration.stopped)
}

func TestRegistryService_StartFailure(t *testing.T) {
	s := &RegistryService{
		config:    &config.Config{},
		logger:    zap.NewNop(),
		consumers: []messageConsumer{&recordingConsumer{startErr: errors.New("subscribe refused")}},
	}

	err := s.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe refused")
}
