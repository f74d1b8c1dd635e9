// Package credentials persists the access token, refresh token and expiry of
// the one active credential set. It never touches the network.
package credentials

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-client/autherr"
)

const (
	// DefaultSafetyBuffer is subtracted from the real expiry so a request built
	// now does not reach the backend after the token has lapsed.
	DefaultSafetyBuffer = 5 * time.Minute

	// DefaultRefreshTokenTTL is how long the refresh-token slot survives,
	// independent of the access token.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Credentials is the persisted credential set.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Validate rejects any set with a missing field.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.AccessToken) == "" {
		missing = append(missing, "access token")
	}
	if strings.TrimSpace(c.RefreshToken) == "" {
		missing = append(missing, "refresh token")
	}
	if c.ExpiresAt.IsZero() {
		missing = append(missing, "expiry")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", autherr.ErrInvalidCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// ExpiredAt applies the safety-buffer rule. A nil set, or a refresh-only set
// without an access token, is always expired.
func (c *Credentials) ExpiredAt(now time.Time, buffer time.Duration) bool {
	if c == nil || c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(buffer).Before(c.ExpiresAt)
}

// Store reads and writes a Credentials value through a slot Repo.
type Store struct {
	repo         Repo
	safetyBuffer time.Duration
	refreshTTL   time.Duration
	nowFunc      func() time.Time
}

type StoreOption func(*Store)

func WithSafetyBuffer(d time.Duration) StoreOption {
	return func(s *Store) {
		s.safetyBuffer = d
	}
}

func WithRefreshTokenTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		s.refreshTTL = d
	}
}

func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// NewStore creates a Store over repo.
func NewStore(repo Repo, options ...StoreOption) *Store {
	s := &Store{
		repo:         repo,
		safetyBuffer: DefaultSafetyBuffer,
		refreshTTL:   DefaultRefreshTokenTTL,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.nowFunc == nil {
		s.nowFunc = time.Now
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = DefaultRefreshTokenTTL
	}
	return s
}

// Now returns the store's clock.
func (s *Store) Now() time.Time {
	return s.nowFunc()
}

// SafetyBuffer returns the configured expiry margin.
func (s *Store) SafetyBuffer() time.Duration {
	return s.safetyBuffer
}

// Set replaces the whole credential set. An incomplete set is rejected before
// the repo is touched, so previously stored credentials stay as they were.
//
// The expiry slot lapses with the token. The access-token slot lives as long
// as the refresh token so a refresh after a restart can still present it.
func (s *Store) Set(c Credentials) error {
	if err := c.Validate(); err != nil {
		return err
	}

	now := s.nowFunc()
	expirySlot := c.ExpiresAt
	if !expirySlot.After(now) {
		// keep the slot readable long enough for the refresh that follows
		expirySlot = now.Add(s.safetyBuffer)
	}
	refreshExpiry := now.Add(s.refreshTTL)

	err := s.repo.Put(
		Slot{Name: SlotAccessToken, Value: c.AccessToken, ExpiresAt: refreshExpiry},
		Slot{Name: SlotRefreshToken, Value: c.RefreshToken, ExpiresAt: refreshExpiry},
		Slot{Name: SlotExpiresAt, Value: strconv.FormatInt(c.ExpiresAt.UnixMilli(), 10), ExpiresAt: expirySlot},
	)
	if err != nil {
		return fmt.Errorf("credentials.Store.Set: %w", err)
	}
	return nil
}

// Get returns the stored set, or nil when there is none. All slots come from
// one repo read, so the result never mixes two sets. Once the expiry slot has
// lapsed the result has a zero ExpiresAt and is always expired.
func (s *Store) Get() (*Credentials, error) {
	now := s.nowFunc()

	slots, err := s.repo.GetAll(AllSlots...)
	if err != nil {
		return nil, fmt.Errorf("credentials.Store.Get: %w", err)
	}

	refresh := liveSlot(slots, SlotRefreshToken, now)
	if refresh == "" {
		return nil, nil
	}
	c := &Credentials{
		RefreshToken: refresh,
		AccessToken:  liveSlot(slots, SlotAccessToken, now),
	}
	if expiry := liveSlot(slots, SlotExpiresAt, now); expiry != "" && c.AccessToken != "" {
		if ms, err := strconv.ParseInt(expiry, 10, 64); err == nil {
			c.ExpiresAt = time.UnixMilli(ms)
		}
	}
	return c, nil
}

// Clear removes every slot.
func (s *Store) Clear() error {
	if err := s.repo.Delete(AllSlots...); err != nil {
		return fmt.Errorf("credentials.Store.Clear: %w", err)
	}
	return nil
}

// IsExpired reports whether the stored set needs a refresh before use.
// A missing or unreadable set counts as expired.
func (s *Store) IsExpired() bool {
	c, err := s.Get()
	if err != nil {
		return true
	}
	return c.ExpiredAt(s.nowFunc(), s.safetyBuffer)
}

// HasCredentials reports whether any usable set, even a refresh-only one, is stored.
func (s *Store) HasCredentials() bool {
	c, err := s.Get()
	return err == nil && c != nil
}

// liveSlot returns the value of a slot that exists, has not lapsed and is not blank.
func liveSlot(slots map[string]Slot, name string, now time.Time) string {
	slot, ok := slots[name]
	if !ok {
		return ""
	}
	if !slot.ExpiresAt.IsZero() && !now.Before(slot.ExpiresAt) {
		return ""
	}
	return slot.Value
}
