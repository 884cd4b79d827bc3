// Package mcp manages connections to external MCP tool servers over stdio
// and streamable HTTP, the persistent server registry, and the health-check
// loop. Discovered tools are registered as external Definitions in the tool
// registry.
package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RegistryFileName is the persistent server registry under the runtime data
// directory.
const RegistryFileName = "external_agents_registry.json"

// Server status values.
const (
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// ServerID derives the deterministic server id from the server endpoint:
// the first 16 hex chars of sha256. Stable across runs by construction.
func ServerID(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])[:16]
}

// ServerRecord is the persisted state of one known MCP server. Records
// survive disconnects and process restarts.
type ServerRecord struct {
	ServerID         string            `json:"server_id"`
	URL              string            `json:"url"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Transport        string            `json:"transport"` // "stdio" | "streamable-http"
	Status           string            `json:"status"`
	Capabilities     []string          `json:"capabilities"` // tool names last discovered
	LastConnected    time.Time         `json:"last_connected"`
	UnhealthyCount   int               `json:"unhealthy_count"`
	ConnectionParams map[string]string `json:"connection_params,omitempty"`
}

// RecordStore persists ServerRecords as a JSON map keyed by server_id.
// Writes are atomic (temp file + rename).
type RecordStore struct {
	path string
	mu   sync.Mutex
}

// NewRecordStore creates a store for dir/external_agents_registry.json.
func NewRecordStore(dir string) *RecordStore {
	return &RecordStore{path: filepath.Join(dir, RegistryFileName)}
}

// Path returns the registry file path.
func (s *RecordStore) Path() string { return s.path }

// Load reads all records. A missing file yields an empty map.
func (s *RecordStore) Load() (map[string]*ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *RecordStore) loadLocked() (map[string]*ServerRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]*ServerRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: read registry %q: %w", s.path, err)
	}
	var records map[string]*ServerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("mcp: parse registry %q: %w", s.path, err)
	}
	if records == nil {
		records = map[string]*ServerRecord{}
	}
	return records, nil
}

// Put inserts or replaces a record and persists the file.
func (s *RecordStore) Put(rec *ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.loadLocked()
	if err != nil {
		return err
	}
	records[rec.ServerID] = rec
	return s.saveLocked(records)
}

// Mutate loads a record, applies fn, and persists. Unknown ids are a no-op.
func (s *RecordStore) Mutate(serverID string, fn func(*ServerRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.loadLocked()
	if err != nil {
		return err
	}
	rec, ok := records[serverID]
	if !ok {
		return nil
	}
	fn(rec)
	return s.saveLocked(records)
}

// Delete removes a record and persists.
func (s *RecordStore) Delete(serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := records[serverID]; !ok {
		return nil
	}
	delete(records, serverID)
	return s.saveLocked(records)
}

// Get returns one record, or nil.
func (s *RecordStore) Get(serverID string) (*ServerRecord, error) {
	records, err := s.Load()
	if err != nil {
		return nil, err
	}
	return records[serverID], nil
}

// All returns records sorted by name for stable listings.
func (s *RecordStore) All() ([]*ServerRecord, error) {
	records, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := make([]*ServerRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *RecordStore) saveLocked(records map[string]*ServerRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("mcp: marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mcp: create registry dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("mcp: write registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("mcp: rename registry: %w", err)
	}
	return nil
}
