// Package creds persists OAuth credentials for providers that require
// bearer auth. A single JSON file guarded by an advisory file lock; writes
// are atomic (temp file + rename) and owner-only.
package creds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Credentials is the on-disk token record. Unknown fields are preserved
// across load/save so foreign writers' extras survive a round trip.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiryDate   time.Time `json:"-"` // serialised as epoch milliseconds
	ResourceURL  string    `json:"resource_url,omitempty"`

	extra map[string]json.RawMessage
}

// known JSON keys handled explicitly by (Un)MarshalJSON.
var knownKeys = map[string]bool{
	"access_token": true, "refresh_token": true, "token_type": true,
	"expiry_date": true, "resource_url": true,
}

// ExpiresWithin reports whether the token expires within d from now.
func (c *Credentials) ExpiresWithin(d time.Duration) bool {
	return !c.ExpiryDate.After(time.Now().Add(d))
}

// UnmarshalJSON tolerates three expiry_date encodings: ISO-8601 strings,
// epoch seconds and epoch milliseconds (magnitude > 1e10 ⇒ milliseconds).
func (c *Credentials) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	get := func(key string, dst *string) {
		if v, ok := raw[key]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	get("access_token", &c.AccessToken)
	get("refresh_token", &c.RefreshToken)
	get("token_type", &c.TokenType)
	get("resource_url", &c.ResourceURL)

	if v, ok := raw["expiry_date"]; ok {
		t, err := parseExpiry(v)
		if err != nil {
			return fmt.Errorf("creds: parse expiry_date: %w", err)
		}
		c.ExpiryDate = t
	}

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if c.extra == nil {
			c.extra = make(map[string]json.RawMessage)
		}
		c.extra[k] = v
	}
	return nil
}

// MarshalJSON writes expiry_date as epoch milliseconds and merges preserved
// unknown fields back in.
func (c Credentials) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 5+len(c.extra))
	out["access_token"] = c.AccessToken
	out["refresh_token"] = c.RefreshToken
	out["token_type"] = c.TokenType
	out["expiry_date"] = c.ExpiryDate.UnixMilli()
	if c.ResourceURL != "" {
		out["resource_url"] = c.ResourceURL
	}
	for k, v := range c.extra {
		out[k] = v
	}
	return json.Marshal(out)
}

func parseExpiry(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, `"`) {
		var iso string
		if err := json.Unmarshal(raw, &iso); err != nil {
			return time.Time{}, err
		}
		return time.Parse(time.RFC3339, iso)
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	// Magnitude > 1e10 means milliseconds; epoch seconds would put that in
	// the year 2286.
	if n > 1e10 {
		return time.UnixMilli(int64(n)), nil
	}
	return time.Unix(int64(n), 0), nil
}
