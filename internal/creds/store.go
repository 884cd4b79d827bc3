package creds

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/gcsruntime/gcs/internal/fault"
)

const (
	// FileName is the credential file under the runtime data directory.
	FileName = "oauth_creds.json"

	cacheWindow    = 30 * time.Second
	expiryBuffer   = 5 * time.Minute
	lockRetryDelay = 100 * time.Millisecond
)

// RefreshFunc exchanges a refresh token for new credentials. An AUTH_ERROR
// kind signals terminal rejection (HTTP 400) and clears the store.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Credentials, error)

// Store persists credentials to a single JSON file. All reads and writes are
// serialised behind a process-wide advisory file lock plus an in-memory
// mutex; a 30 s cache window short-circuits repeated loads.
type Store struct {
	path        string
	lockTimeout time.Duration
	refresh     RefreshFunc

	mu       sync.Mutex
	cached   *Credentials
	cachedAt time.Time
}

// NewStore creates a Store for dir/oauth_creds.json. refresh may be nil,
// in which case expired tokens fail instead of refreshing.
func NewStore(dir string, lockTimeout time.Duration, refresh RefreshFunc) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Store{
		path:        filepath.Join(dir, FileName),
		lockTimeout: lockTimeout,
		refresh:     refresh,
	}
}

// Path returns the credential file path.
func (s *Store) Path() string { return s.path }

// SetRefresh installs the refresh delegate after construction. Used to break
// the store ↔ device-flow construction cycle.
func (s *Store) SetRefresh(refresh RefreshFunc) {
	s.mu.Lock()
	s.refresh = refresh
	s.mu.Unlock()
}

// withLock runs fn while holding the advisory file lock, waiting at most
// lockTimeout. On timeout the operation fails with LOCK_TIMEOUT.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fl := flock.New(s.path + ".lock")
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return fault.Wrap(fault.Cancelled, ctx.Err(), "credential lock")
		}
		return fault.New(fault.LockTimeout, "credential file lock not acquired within %v", s.lockTimeout)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			log.Printf("[Creds] Unlock error: %v", err)
		}
	}()
	return fn()
}

// Load returns the stored credentials, or nil when no file exists.
// A cached copy fresher than 30 s is returned without touching the disk.
func (s *Store) Load(ctx context.Context) (*Credentials, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < cacheWindow {
		c := *s.cached
		s.mu.Unlock()
		return &c, nil
	}
	s.mu.Unlock()

	var creds *Credentials
	err := s.withLock(ctx, func() error {
		data, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fault.Wrap(fault.ExecutionFailed, err, "read credentials")
		}
		var c Credentials
		if err := json.Unmarshal(data, &c); err != nil {
			return fault.Wrap(fault.ExecutionFailed, err, "parse credentials")
		}
		creds = &c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cached = creds
	s.cachedAt = time.Now()
	s.mu.Unlock()
	return creds, nil
}

// Save writes credentials atomically: temp file in the same directory, chmod
// 0600, then rename over the target. A crash mid-write never leaves a
// partial file.
func (s *Store) Save(ctx context.Context, c *Credentials) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fault.Wrap(fault.ExecutionFailed, err, "marshal credentials")
	}

	err = s.withLock(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return fault.Wrap(fault.ExecutionFailed, err, "create credentials dir")
		}
		tmp := s.path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fault.Wrap(fault.ExecutionFailed, err, "write temp credentials")
		}
		if err := os.Rename(tmp, s.path); err != nil {
			_ = os.Remove(tmp)
			return fault.Wrap(fault.ExecutionFailed, err, "rename credentials")
		}
		// Rename preserves the temp file's mode, but be explicit in case an
		// earlier file existed with looser permissions.
		return os.Chmod(s.path, 0o600)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	cc := *c
	s.cached = &cc
	s.cachedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// HasValid reports whether a token exists with more than the 5-minute
// expiry buffer remaining.
func (s *Store) HasValid(ctx context.Context) bool {
	c, err := s.Load(ctx)
	if err != nil || c == nil || c.AccessToken == "" {
		return false
	}
	return !c.ExpiresWithin(expiryBuffer)
}

// AccessToken returns a valid access token, refreshing if the stored one is
// within the expiry buffer. Implements openai.BearerSource.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	c, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	if c != nil && c.AccessToken != "" && !c.ExpiresWithin(expiryBuffer) {
		return c.AccessToken, nil
	}

	s.mu.Lock()
	refresh := s.refresh
	s.mu.Unlock()

	if c == nil || c.RefreshToken == "" || refresh == nil {
		return "", fault.New(fault.NoCredentials, "no valid credentials; run auth")
	}

	fresh, err := refresh(ctx, c.RefreshToken)
	if err != nil {
		if fault.Is(err, fault.AuthError) {
			// Terminal rejection: the refresh token is dead.
			if clearErr := s.Clear(ctx); clearErr != nil {
				log.Printf("[Creds] Clear after refresh rejection: %v", clearErr)
			}
		}
		return "", fault.Wrap(fault.NoCredentials, err, "token refresh failed")
	}
	if err := s.Save(ctx, fresh); err != nil {
		return "", err
	}
	log.Printf("[Creds] Access token refreshed, expires %s", fresh.ExpiryDate.Format(time.RFC3339))
	return fresh.AccessToken, nil
}

// Clear removes the credential file and drops the cache.
func (s *Store) Clear(ctx context.Context) error {
	err := s.withLock(ctx, func() error {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fault.Wrap(fault.ExecutionFailed, err, "remove credentials")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.FlushCache()
	return nil
}

// FlushCache drops the in-memory copy; the next Load hits the disk.
func (s *Store) FlushCache() {
	s.mu.Lock()
	s.cached = nil
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}
