// Package conntest provides an in-memory Conn and Factory for tests.
package conntest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchyard-chat/switchyard/internal/conn"
	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

// Sent records one Send call.
type Sent struct {
	To  string
	Msg protocol.Outgoing
}

// Conn is a scriptable connection. Tests drive its events with Open, Drop and
// Emit, and inspect calls made against it.
type Conn struct {
	SessionID string

	// FetchDelay delays FetchGroupMetadata, to widen race windows.
	FetchDelay time.Duration

	fetches atomic.Int32

	mu        sync.Mutex
	self      protocol.Identity
	groups    map[string]protocol.GroupMetadata
	errs      map[string]error
	sent      []Sent
	calls     []string
	read      []protocol.MessageKey
	closed    bool
	loggedOut bool
	events    chan conn.Event
}

// New creates a connection logged in as self.
func New(sessionID, self string) *Conn {
	return &Conn{
		SessionID: sessionID,
		self:      protocol.Identity{ID: self},
		groups:    make(map[string]protocol.GroupMetadata),
		errs:      make(map[string]error),
		events:    make(chan conn.Event, 128),
	}
}

// SetGroup seeds metadata returned by the fetch methods.
func (c *Conn) SetGroup(md protocol.GroupMetadata) {
	c.mu.Lock()
	c.groups[md.ID] = md
	c.mu.Unlock()
}

// FailOn makes the named method return err. A nil err clears it.
func (c *Conn) FailOn(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, method)
		return
	}
	c.errs[method] = err
}

// Emit delivers an event. It is a no-op once the connection has closed.
func (c *Conn) Emit(ev conn.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// Open emits an open event.
func (c *Conn) Open() { c.Emit(conn.Event{Kind: conn.EventOpen}) }

// Drop ends the connection from the far side with the given reason.
func (c *Conn) Drop(info conn.CloseInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- conn.Event{Kind: conn.EventClose, Close: &info}
	close(c.events)
}

// Closed reports whether the connection has ended.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LoggedOut reports whether Logout was called.
func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Sent returns a copy of every sent message.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Calls returns the method names invoked, in order.
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Read returns every key passed to ReadMessages.
func (c *Conn) Read() []protocol.MessageKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.MessageKey(nil), c.read...)
}

// Fetches returns how many times FetchGroupMetadata ran.
func (c *Conn) Fetches() int { return int(c.fetches.Load()) }

func (c *Conn) record(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, method)
	if c.closed {
		return conn.ErrClosed
	}
	return c.errs[method]
}

func (c *Conn) Events() <-chan conn.Event { return c.events }

func (c *Conn) Self() protocol.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Conn) Send(_ context.Context, to string, msg protocol.Outgoing) (string, error) {
	if err := c.record(protocol.MethodSend); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Sent{To: to, Msg: msg})
	return fmt.Sprintf("out-%d", len(c.sent)), nil
}

func (c *Conn) ReadMessages(_ context.Context, keys []protocol.MessageKey) error {
	if err := c.record(protocol.MethodRead); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.read = append(c.read, keys...)
	return nil
}

func (c *Conn) FetchGroupMetadata(ctx context.Context, groupID string) (protocol.GroupMetadata, error) {
	c.fetches.Add(1)
	if c.FetchDelay > 0 {
		select {
		case <-time.After(c.FetchDelay):
		case <-ctx.Done():
			return protocol.GroupMetadata{}, ctx.Err()
		}
	}
	if err := c.record(protocol.MethodGroupMetadata); err != nil {
		return protocol.GroupMetadata{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.groups[groupID]
	if !ok {
		return protocol.GroupMetadata{}, &conn.RemoteError{Method: protocol.MethodGroupMetadata, Code: 404, Msg: "item-not-found"}
	}
	return md, nil
}

func (c *Conn) FetchAllGroups(context.Context) (map[string]protocol.GroupMetadata, error) {
	if err := c.record(protocol.MethodGroupFetchAll); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]protocol.GroupMetadata, len(c.groups))
	for id, md := range c.groups {
		out[id] = md
	}
	return out, nil
}

func (c *Conn) UpdateParticipants(_ context.Context, groupID string, ids []string, action string) error {
	if err := c.record(protocol.MethodGroupParticipants); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.groups[groupID]
	if !ok {
		return nil
	}
	switch action {
	case protocol.ActionAdd:
		for _, id := range ids {
			md.Participants = append(md.Participants, protocol.GroupParticipant{ID: id})
		}
	case protocol.ActionRemove:
		kept := md.Participants[:0:0]
		for _, p := range md.Participants {
			drop := false
			for _, id := range ids {
				if p.ID == id {
					drop = true
				}
			}
			if !drop {
				kept = append(kept, p)
			}
		}
		md.Participants = kept
	case protocol.ActionPromote, protocol.ActionDemote:
		for i, p := range md.Participants {
			for _, id := range ids {
				if p.ID == id {
					if action == protocol.ActionPromote {
						md.Participants[i].Admin = "admin"
					} else {
						md.Participants[i].Admin = ""
					}
				}
			}
		}
	}
	c.groups[groupID] = md
	return nil
}

func (c *Conn) UpdateGroupSetting(_ context.Context, groupID, setting string) error {
	if err := c.record(protocol.MethodGroupSetting); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if md, ok := c.groups[groupID]; ok {
		switch setting {
		case protocol.SettingAnnouncement:
			md.Announce = true
		case protocol.SettingNotAnnouncement:
			md.Announce = false
		}
		c.groups[groupID] = md
	}
	return nil
}

func (c *Conn) UpdateSubject(_ context.Context, groupID, subject string) error {
	if err := c.record(protocol.MethodGroupSubject); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if md, ok := c.groups[groupID]; ok {
		md.Subject = subject
		c.groups[groupID] = md
	}
	return nil
}

func (c *Conn) UpdateDescription(_ context.Context, groupID, desc string) error {
	if err := c.record(protocol.MethodGroupDescription); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if md, ok := c.groups[groupID]; ok {
		md.Desc = desc
		c.groups[groupID] = md
	}
	return nil
}

func (c *Conn) InviteCode(_ context.Context, groupID string) (string, error) {
	if err := c.record(protocol.MethodGroupInviteCode); err != nil {
		return "", err
	}
	return "code-" + groupID, nil
}

func (c *Conn) RevokeInvite(_ context.Context, groupID string) (string, error) {
	if err := c.record(protocol.MethodGroupRevokeInvite); err != nil {
		return "", err
	}
	return "new-code-" + groupID, nil
}

func (c *Conn) AcceptInvite(_ context.Context, code string) (string, error) {
	if err := c.record(protocol.MethodGroupAcceptInvite); err != nil {
		return "", err
	}
	return "group-for-" + code, nil
}

func (c *Conn) JoinRequests(_ context.Context, _ string) ([]protocol.JoinRequest, error) {
	if err := c.record(protocol.MethodGroupRequests); err != nil {
		return nil, err
	}
	return []protocol.JoinRequest{{ID: "pending@s.whatsapp.net"}}, nil
}

func (c *Conn) UpdateJoinRequests(context.Context, string, []string, bool) error {
	return c.record(protocol.MethodGroupRequestUpdate)
}

func (c *Conn) LeaveGroup(_ context.Context, groupID string) error {
	if err := c.record(protocol.MethodGroupLeave); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.groups, groupID)
	c.mu.Unlock()
	return nil
}

func (c *Conn) Logout(context.Context) error {
	if err := c.record(protocol.MethodLogout); err != nil {
		return err
	}
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return c.Close()
}

func (c *Conn) Close() error {
	c.Drop(conn.CloseInfo{Reason: "closed locally"})
	return nil
}

// Factory hands out Conns and records every Create call.
type Factory struct {
	// Self is the identity given to created connections.
	Self string
	// Delay is applied inside Create before returning.
	Delay time.Duration
	// OnCreate runs after a connection is created, before Create returns.
	OnCreate func(c *Conn)

	calls atomic.Int32

	mu    sync.Mutex
	err   error
	conns []*Conn
}

// NewFactory creates a factory whose connections are logged in as self.
func NewFactory(self string) *Factory {
	return &Factory{Self: self}
}

// FailWith makes subsequent Create calls return err. A nil err clears it.
func (f *Factory) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *Factory) Create(ctx context.Context, sessionID string) (conn.Conn, error) {
	f.calls.Add(1)
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	c := New(sessionID, f.Self)
	f.conns = append(f.conns, c)
	onCreate := f.OnCreate
	f.mu.Unlock()

	if onCreate != nil {
		onCreate(c)
	}
	return c, nil
}

// Calls returns how many times Create ran.
func (f *Factory) Calls() int { return int(f.calls.Load()) }

// Conns returns every connection created so far.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the most recently created connection, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
