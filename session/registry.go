package session

import (
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cppla/wtcpq/pdu"
)

// DeviceRegistry tracks which device UUIDs currently hold an active
// session in a TTL-keyed cache, rejecting a second concurrent auth for a
// device that already has one.
type DeviceRegistry struct {
	sessions *cache.Cache
}

// NewDeviceRegistry creates a registry whose entries expire ttl after they
// were bound (lookups do not extend them), guarding against a crashed
// client leaving its slot bound forever.
func NewDeviceRegistry(ttl time.Duration) *DeviceRegistry {
	return &DeviceRegistry{sessions: cache.New(ttl, ttl/2)}
}

func deviceKey(device pdu.DeviceUUID) string {
	return hex.EncodeToString(device[:])
}

// Bind records sessionID as the active session for device, returning false
// if device already has any active session bound, whatever its id (a
// replay or a concurrent second connection from the same wearable).
func (r *DeviceRegistry) Bind(device pdu.DeviceUUID, sessionID uint32) bool {
	key := deviceKey(device)
	if _, found := r.sessions.Get(key); found {
		return false
	}
	r.sessions.SetDefault(key, sessionID)
	return true
}

// Release frees device's slot on session termination.
func (r *DeviceRegistry) Release(device pdu.DeviceUUID) {
	r.sessions.Delete(deviceKey(device))
}
