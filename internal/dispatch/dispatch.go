// Package dispatch routes a connection's data events to the handler registry.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/switchyard-chat/switchyard/internal/conn"
	"github.com/switchyard-chat/switchyard/internal/groupcache"
	"github.com/switchyard-chat/switchyard/internal/handler"
	"github.com/switchyard-chat/switchyard/internal/jid"
	"github.com/switchyard-chat/switchyard/internal/kvstore"
	"github.com/switchyard-chat/switchyard/internal/message"
	"github.com/switchyard-chat/switchyard/internal/throttle"
	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

// Per-tenant settings read from the KV store.
const (
	KeyAutoRead       = "autoread"
	KeyAutoStatusSeen = "autostatus_seen"
	KeyPrefix         = "prefix"
)

// DefaultPrefix is used when neither the tenant nor the config sets one.
const DefaultPrefix = "."

// Dispatcher normalizes inbound events and submits matching handlers to the
// throttle. It is called from a session's event goroutine and never waits on
// the network itself.
type Dispatcher struct {
	registry *handler.Registry
	throttle *throttle.Throttle
	cache    *groupcache.Cache
	kv       *kvstore.Store
	prefix   string
	logger   *slog.Logger

	inflight sync.WaitGroup
}

// New creates a dispatcher. kv may be nil, in which case every toggle is off
// and prefix is always used.
func New(registry *handler.Registry, th *throttle.Throttle, cache *groupcache.Cache, kv *kvstore.Store, prefix string, logger *slog.Logger) *Dispatcher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Dispatcher{
		registry: registry,
		throttle: th,
		cache:    cache,
		kv:       kv,
		prefix:   prefix,
		logger:   logger.With("component", "dispatch"),
	}
}

// HandleEvent processes one data event from sessionID's connection.
// Lifecycle events are ignored.
func (d *Dispatcher) HandleEvent(ctx context.Context, sessionID string, c conn.Conn, ev conn.Event) {
	switch ev.Kind {
	case conn.EventMessages:
		if ev.Messages != nil {
			d.handleMessages(ctx, sessionID, c, *ev.Messages)
		}
	case conn.EventParticipants:
		if ev.Participants != nil {
			d.handleParticipants(ctx, sessionID, c, *ev.Participants)
		}
	case conn.EventGroups:
		d.handleGroups(sessionID, ev.Groups)
	}
}

// Wait blocks until every submitted task has resolved.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) toggle(sessionID, key string) bool {
	if d.kv == nil {
		return false
	}
	return kvstore.Bool(d.kv, sessionID, key, false)
}

// Prefix returns the command prefix in effect for sessionID.
func (d *Dispatcher) Prefix(sessionID string) string {
	if d.kv == nil {
		return d.prefix
	}
	if p := strings.TrimSpace(kvstore.Get(d.kv, sessionID, KeyPrefix, "")); p != "" {
		return p
	}
	return d.prefix
}

func (d *Dispatcher) handleMessages(ctx context.Context, sessionID string, c conn.Conn, batch protocol.MessagesUpsert) {
	if batch.Type != protocol.UpsertNotify {
		return
	}
	store := d.cache.Tenant(sessionID)
	logger := d.logger.With("session_id", sessionID)
	for _, raw := range batch.Messages {
		if raw.Message == nil {
			continue
		}
		d.handleMessage(ctx, sessionID, c, store, logger, raw)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, sessionID string, c conn.Conn, store *groupcache.Store, logger *slog.Logger, raw protocol.WebMessage) {
	v := message.Normalize(raw, c, store, logger)

	autoRead := d.toggle(sessionID, KeyAutoRead)
	statusSeen := v.Chat == jid.StatusBroadcast && d.toggle(sessionID, KeyAutoStatusSeen)
	if autoRead || statusSeen {
		d.submit(ctx, logger, "mark_read", func(ctx context.Context) error {
			return v.MarkRead(ctx).Err
		})
	}

	prefix := d.Prefix(sessionID)
	if name, rest, ok := handler.ParseCommand(v.Body, prefix); ok {
		if hs := d.registry.Lookup(handler.Command(name)); len(hs) > 0 {
			args := handler.Args{
				SessionID: sessionID,
				Prefix:    prefix,
				Command:   name,
				Text:      rest,
				Fields:    strings.Fields(rest),
			}
			h := hs[0]
			d.submit(ctx, logger, "command:"+name, func(ctx context.Context) error {
				return h.Exec(ctx, v, args, c)
			})
			return
		}
	}

	if v.Body == "" {
		return
	}
	args := handler.Args{SessionID: sessionID, Prefix: prefix, Text: v.Body, Fields: strings.Fields(v.Body)}
	for _, h := range d.registry.Lookup(handler.Event(handler.EventText)) {
		d.submit(ctx, logger, h.Trigger.String(), func(ctx context.Context) error {
			return h.Exec(ctx, v, args, c)
		})
	}
}

func (d *Dispatcher) handleParticipants(ctx context.Context, sessionID string, c conn.Conn, ev protocol.ParticipantsUpdate) {
	if ev.ID == "" {
		return
	}
	store := d.cache.Tenant(sessionID)
	store.ApplyParticipants(ev.ID, ev.Participants, ev.Action)

	handlers := d.registry.Lookup(handler.Event(handler.EventParticipants))
	if len(handlers) == 0 {
		return
	}
	logger := d.logger.With("session_id", sessionID, "group_id", ev.ID)

	// Enrichment may hit the network, so it runs off the event goroutine.
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		enriched := handler.ParticipantsEvent{
			GroupID:      ev.ID,
			Author:       ev.Author,
			Action:       ev.Action,
			Participants: nonEmpty(ev.Participants),
		}
		e, err := store.GetOrFetch(ctx, ev.ID, c.FetchGroupMetadata)
		if err != nil {
			logger.Debug("participant event enrichment failed", "error", err)
		} else {
			enriched.Subject = e.Subject
			enriched.Size = e.Size
		}
		args := handler.Args{SessionID: sessionID, Prefix: d.Prefix(sessionID), Participants: &enriched}
		for _, h := range handlers {
			d.submit(ctx, logger, h.Trigger.String(), func(ctx context.Context) error {
				return h.Exec(ctx, nil, args, c)
			})
		}
	}()
}

func (d *Dispatcher) handleGroups(sessionID string, updates []protocol.GroupUpdate) {
	if len(updates) == 0 {
		return
	}
	store := d.cache.Tenant(sessionID)
	for _, u := range updates {
		if u.ID == "" {
			continue
		}
		store.Update(u.ID, groupcache.PartialFromUpdate(u))
	}
}

// submit queues fn on the throttle and logs its failure. It never blocks:
// when a capped throttle queue is full the invocation is dropped.
func (d *Dispatcher) submit(ctx context.Context, logger *slog.Logger, name string, fn func(ctx context.Context) error) {
	f := throttle.Go(d.throttle, ctx, fn)
	select {
	case <-f.Done():
		if _, err := f.Wait(context.Background()); errors.Is(err, throttle.ErrQueueFull) {
			logger.Warn("handler dropped, throttle queue full", "handler", name)
			return
		}
	default:
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		if _, err := f.Wait(context.Background()); err != nil {
			logger.Error("handler failed", "handler", name, "error", err)
		}
	}()
}

func nonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
