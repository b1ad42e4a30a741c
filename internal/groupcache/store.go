package groupcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/switchyard-chat/switchyard/internal/jid"
	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

// Fetcher loads one group's metadata from the network.
type Fetcher func(ctx context.Context, groupID string) (protocol.GroupMetadata, error)

// BulkFetcher loads every group the account participates in.
type BulkFetcher func(ctx context.Context) (map[string]protocol.GroupMetadata, error)

// Stats describes a tenant store's occupancy.
type Stats struct {
	Tenant  string `json:"tenant"`
	Entries int    `json:"entries"`
	Bytes   int    `json:"bytes"`
}

// Store is one tenant's group metadata cache. Concurrent fetches for the same
// group share a single in-flight call.
type Store struct {
	tenant string
	opts   Options
	logger *slog.Logger

	flight singleflight.Group

	mu      sync.Mutex
	entries *lru.Cache[string, Entry]
	self    []string
	bytes   int
	dropped map[string]uint64 // bumped by Delete to discard in-flight results
}

func newStore(tenant string, opts Options, logger *slog.Logger) *Store {
	entries, err := lru.New[string, Entry](opts.MaxEntries)
	if err != nil {
		// Options are normalized before reaching here.
		panic(fmt.Sprintf("groupcache: %v", err))
	}
	return &Store{
		tenant:  tenant,
		opts:    opts,
		logger:  logger.With("tenant", tenant),
		entries: entries,
		dropped: make(map[string]uint64),
	}
}

// Tenant returns the tenant id this store belongs to.
func (s *Store) Tenant() string { return s.tenant }

// SetSelf records the account's own addresses, used for the self-is-admin flag.
func (s *Store) SetSelf(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = s.self[:0]
	for _, id := range ids {
		if id != "" {
			s.self = append(s.self, jid.Normalize(id))
		}
	}
}

func (s *Store) selfIsAdmin(e Entry) bool {
	for _, id := range s.self {
		if e.IsAdmin(id) {
			return true
		}
	}
	return false
}

func (s *Store) fresh(e Entry) bool {
	return !e.FetchedAt.IsZero() && s.opts.Now().Sub(e.FetchedAt) < s.opts.TTL
}

// Get returns the cached entry without touching the network. Stale entries
// are returned as-is.
func (s *Store) Get(groupID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Get(groupID)
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Set stores the projection of raw metadata.
func (s *Store) Set(groupID string, raw protocol.GroupMetadata) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(groupID, normalize(raw, groupID, s.opts.Now()))
}

func (s *Store) setLocked(groupID string, e Entry) Entry {
	e.SelfIsAdmin = s.selfIsAdmin(e)
	e.Bytes = approxBytes(e)
	s.entries.Add(groupID, e)
	s.recomputeLocked()
	return e.clone()
}

func (s *Store) recomputeLocked() {
	total := 0
	for _, e := range s.entries.Values() {
		total += e.Bytes
	}
	s.bytes = total
}

// Update merges a partial change into the cached entry, or into an empty one.
// The merged entry keeps its fetch time, so an entry created here is refetched
// on the next GetOrFetch.
func (s *Store) Update(groupID string, p Partial) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries.Peek(groupID)
	if !ok {
		e = Entry{ID: groupID}
	}
	e = e.clone()
	if p.Subject != nil {
		e.Subject = *p.Subject
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Owner != nil {
		e.Owner = jid.Normalize(*p.Owner)
	}
	if p.Announce != nil {
		e.Announce = *p.Announce
	}
	if p.Restrict != nil {
		e.Restrict = *p.Restrict
	}
	if p.JoinApproval != nil {
		e.JoinApproval = *p.JoinApproval
	}
	if p.MemberAdd != nil {
		e.MemberAdd = *p.MemberAdd
	}
	if p.Participants != nil {
		e.Participants = mergeParticipants(e.Participants, p.Participants)
	}
	if e.Size < len(e.Participants) {
		e.Size = len(e.Participants)
	}
	e.UpdatedAt = s.opts.Now()
	return s.setLocked(groupID, e)
}

// ApplyParticipants applies a membership event to the cached entry. Groups
// that are not cached are left alone.
func (s *Store) ApplyParticipants(groupID string, ids []string, action string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries.Peek(groupID)
	if !ok {
		return
	}
	e = e.clone()
	switch action {
	case protocol.ActionAdd:
		add := make([]Participant, 0, len(ids))
		for _, id := range ids {
			if id != "" && !e.HasParticipant(id) && !containsUser(addedIDs(add), id) {
				add = append(add, Participant{ID: id})
			}
		}
		e.Participants = mergeParticipants(e.Participants, add)
		e.Size += len(add)
	case protocol.ActionRemove:
		kept := e.Participants[:0]
		for _, p := range e.Participants {
			if !containsUser(ids, p.ID) {
				kept = append(kept, p)
			}
		}
		e.Size -= len(e.Participants) - len(kept)
		e.Participants = kept
	case protocol.ActionPromote, protocol.ActionDemote:
		for i, p := range e.Participants {
			if containsUser(ids, p.ID) {
				e.Participants[i].IsAdmin = action == protocol.ActionPromote
			}
		}
	default:
		return
	}
	if e.Size < len(e.Participants) {
		e.Size = len(e.Participants)
	}
	e.UpdatedAt = s.opts.Now()
	s.setLocked(groupID, e)
}

func addedIDs(ps []Participant) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

func containsUser(ids []string, id string) bool {
	for _, candidate := range ids {
		if jid.SameUser(candidate, id) {
			return true
		}
	}
	return false
}

// GetOrFetch returns a fresh cached entry, or fetches it. Concurrent callers
// for the same group share one fetch. When the fetch fails and a stale entry
// is cached, the stale entry is returned.
func (s *Store) GetOrFetch(ctx context.Context, groupID string, fetch Fetcher) (Entry, error) {
	s.mu.Lock()
	cached, ok := s.entries.Get(groupID)
	if ok && s.fresh(cached) {
		if flag := s.selfIsAdmin(cached); flag != cached.SelfIsAdmin {
			cached.SelfIsAdmin = flag
			s.entries.Add(groupID, cached)
		}
		s.mu.Unlock()
		return cached.clone(), nil
	}
	s.mu.Unlock()

	e, err := s.load(ctx, "get:"+groupID, groupID, fetch)
	if err != nil {
		if ok && ctx.Err() == nil {
			s.logger.Warn("group refresh failed, serving stale entry", "group_id", groupID, "error", err)
			return cached.clone(), nil
		}
		return Entry{}, err
	}
	return e, nil
}

// Refresh fetches the group unconditionally and replaces the cached entry.
func (s *Store) Refresh(ctx context.Context, groupID string, fetch Fetcher) (Entry, error) {
	return s.load(ctx, "refresh:"+groupID, groupID, fetch)
}

func (s *Store) load(ctx context.Context, key, groupID string, fetch Fetcher) (Entry, error) {
	s.mu.Lock()
	gen := s.dropped[groupID]
	s.mu.Unlock()

	// The shared fetch must not die with the first caller's context; each
	// caller still stops waiting when its own context ends.
	ch := s.flight.DoChan(key, func() (any, error) {
		raw, err := fetch(context.WithoutCancel(ctx), groupID)
		if err != nil {
			return Entry{}, fmt.Errorf("fetch group %s: %w", groupID, err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		e := normalize(raw, groupID, s.opts.Now())
		if s.dropped[groupID] != gen {
			// Deleted while in flight: hand the result to waiters, keep it out of the cache.
			e.SelfIsAdmin = s.selfIsAdmin(e)
			return e, nil
		}
		return s.setLocked(groupID, e), nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry).clone(), nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// Delete removes the entry and any in-flight marker for it.
func (s *Store) Delete(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(groupID)
	s.dropped[groupID]++
	s.flight.Forget("get:" + groupID)
	s.flight.Forget("refresh:" + groupID)
	s.recomputeLocked()
}

// PrefetchAll caches up to Options.PrefetchMax groups from one bulk call and
// returns how many were cached. Invalid entries are skipped.
func (s *Store) PrefetchAll(ctx context.Context, bulk BulkFetcher) (int, error) {
	all, err := bulk(ctx)
	if err != nil {
		return 0, fmt.Errorf("prefetch groups: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	count := 0
	for id, raw := range all {
		if count >= s.opts.PrefetchMax {
			break
		}
		if id == "" && raw.ID == "" {
			continue
		}
		if id == "" {
			id = raw.ID
		}
		e := normalize(raw, id, now)
		e.SelfIsAdmin = s.selfIsAdmin(e)
		s.entries.Add(id, e)
		count++
	}
	s.recomputeLocked()
	s.logger.Debug("prefetched groups", "count", count, "available", len(all))
	return count, nil
}

// Sweep evicts entries that have been stale for longer than the grace period.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.opts.Now().Add(-(s.opts.TTL + s.opts.StaleGrace))
	removed := 0
	for _, id := range s.entries.Keys() {
		e, ok := s.entries.Peek(id)
		if ok && e.UpdatedAt.Before(cutoff) && e.FetchedAt.Before(cutoff) {
			s.entries.Remove(id)
			removed++
		}
	}
	if removed > 0 {
		s.recomputeLocked()
	}
	return removed
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	return s.entries.Len()
}

// Stats reports occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Tenant: s.tenant, Entries: s.entries.Len(), Bytes: s.bytes}
}

func (s *Store) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
	s.bytes = 0
}
