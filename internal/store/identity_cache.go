package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultNamespace is the key namespace the device data cache is published under.
const DefaultNamespace = "ACSM:2.0.0"

// cachedDevice is the part of the cached device document this service reads.
type cachedDevice struct {
	Identity struct {
		Name string `json:"name"`
	} `json:"identity"`
}

// IdentityCache resolves a chip id to a previously paired device name from
// the shared cache. Every failure (missing key, bad JSON, missing name,
// connectivity) is a miss: storage remains the source of truth.
type IdentityCache struct {
	kv        KV
	namespace string
	logger    *zap.Logger
}

func NewIdentityCache(kv KV, namespace string, logger *zap.Logger) *IdentityCache {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityCache{kv: kv, namespace: namespace, logger: logger}
}

// Key returns "<namespace>:<chipID>:data".
func (c *IdentityCache) Key(chipID string) string {
	return fmt.Sprintf("%s:%s:data", c.namespace, chipID)
}

// LookupDeviceName returns the cached device name and true on a hit.
func (c *IdentityCache) LookupDeviceName(ctx context.Context, chipID string) (string, bool) {
	key := c.Key(chipID)

	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			c.logger.Debug("Identity cache miss", zap.String("key", key))
		} else {
			c.logger.Warn("Identity cache unavailable", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}

	var doc cachedDevice
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		c.logger.Warn("Identity cache entry is not valid JSON", zap.String("key", key), zap.Error(err))
		return "", false
	}

	name := doc.Identity.Name
	if strings.TrimSpace(name) == "" {
		c.logger.Warn("Identity cache entry has no identity.name", zap.String("key", key))
		return "", false
	}

	c.logger.Debug("Identity cache hit", zap.String("key", key), zap.String("device_name", name))
	return name, true
}
