package credentials

import (
	"errors"
	"time"
)

// Slot names of the persisted layout.
const (
	SlotAccessToken  = "access_token"
	SlotRefreshToken = "refresh_token"
	SlotExpiresAt    = "expires_at"
)

// AllSlots lists every slot the store writes.
var AllSlots = []string{SlotAccessToken, SlotRefreshToken, SlotExpiresAt}

// ErrSlotNotFound is returned by a Repo when a slot was never written or was deleted.
var ErrSlotNotFound = errors.New("slot not found")

// Slot is one named value with its own expiry, the way a browser cookie is stored.
type Slot struct {
	Name      string
	Value     string
	ExpiresAt time.Time
}

// Repo is the storage medium behind a Store.
// Repos do not interpret expiry; the Store does.
type Repo interface {
	// Put writes all slots or none of them
	Put(slots ...Slot) error

	// Get returns ErrSlotNotFound when the slot is absent
	Get(name string) (*Slot, error)

	// GetAll reads the named slots in one consistent snapshot, so a concurrent
	// Put is seen entirely or not at all. Absent slots are left out.
	GetAll(names ...string) (map[string]Slot, error)

	// Delete removes the named slots; absent slots are not an error
	Delete(names ...string) error
}
