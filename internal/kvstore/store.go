// Package kvstore keeps small per-tenant settings: a synchronous in-memory
// read path backed by a SQL table.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Record is one stored value.
type Record struct {
	Tenant string
	Key    string
	Value  json.RawMessage
}

// Backend persists records.
type Backend interface {
	Put(ctx context.Context, tenant, key string, value []byte) error
	Delete(ctx context.Context, tenant, key string) error
	DeleteTenant(ctx context.Context, tenant string) error
	All(ctx context.Context) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Store serves reads from memory and writes through to its backend.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu  sync.RWMutex
	hot map[string]map[string]json.RawMessage
}

// New wraps backend. Call Load to warm the read path.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.With("component", "kvstore"),
		hot:     make(map[string]map[string]json.RawMessage),
	}
}

// Load replaces the in-memory view with the backend's contents.
func (s *Store) Load(ctx context.Context) error {
	records, err := s.backend.All(ctx)
	if err != nil {
		return fmt.Errorf("load kv records: %w", err)
	}
	hot := make(map[string]map[string]json.RawMessage)
	for _, r := range records {
		m := hot[r.Tenant]
		if m == nil {
			m = make(map[string]json.RawMessage)
			hot[r.Tenant] = m
		}
		m[r.Key] = r.Value
	}
	s.mu.Lock()
	s.hot = hot
	s.mu.Unlock()
	s.logger.Debug("kv store loaded", "records", len(records), "tenants", len(hot))
	return nil
}

func (s *Store) raw(tenant, key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.hot[tenant][key]
	return v, ok
}

// Get returns the value for key, or def when it is missing or does not
// decode into T. It never touches the backend.
func Get[T any](s *Store, tenant, key string, def T) T {
	raw, ok := s.raw(tenant, key)
	if !ok {
		return def
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// Bool reads a toggle. Besides JSON booleans it accepts the strings
// "true", "1", "yes" and "on" (and their negatives) and the numbers 0 and 1.
func Bool(s *Store, tenant, key string, def bool) bool {
	raw, ok := s.raw(tenant, key)
	if !ok {
		return def
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off", "":
			return false
		}
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

// Set stores value as JSON. The in-memory view changes only after the
// backend accepted the write.
func (s *Store) Set(ctx context.Context, tenant, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", tenant, key, err)
	}
	if err := s.backend.Put(ctx, tenant, key, raw); err != nil {
		return fmt.Errorf("put %s/%s: %w", tenant, key, err)
	}
	s.mu.Lock()
	m := s.hot[tenant]
	if m == nil {
		m = make(map[string]json.RawMessage)
		s.hot[tenant] = m
	}
	m[key] = raw
	s.mu.Unlock()
	return nil
}

// Delete removes one key.
func (s *Store) Delete(ctx context.Context, tenant, key string) error {
	if err := s.backend.Delete(ctx, tenant, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", tenant, key, err)
	}
	s.mu.Lock()
	delete(s.hot[tenant], key)
	s.mu.Unlock()
	return nil
}

// DeleteTenant removes every key of tenant.
func (s *Store) DeleteTenant(ctx context.Context, tenant string) error {
	s.mu.Lock()
	delete(s.hot, tenant)
	s.mu.Unlock()
	if err := s.backend.DeleteTenant(ctx, tenant); err != nil {
		return fmt.Errorf("delete tenant %s: %w", tenant, err)
	}
	return nil
}

// Snapshot returns a copy of tenant's values.
func (s *Store) Snapshot(tenant string) map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.hot[tenant]))
	for k, v := range s.hot[tenant] {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
