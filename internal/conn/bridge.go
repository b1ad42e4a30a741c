package conn

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/switchyard-chat/switchyard/internal/config"
	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

const eventBuffer = 64

// CredentialLoader returns the stored credential blob for a session, or nil.
type CredentialLoader interface {
	Load(sessionID string) ([]byte, error)
}

// BridgeFactory opens one WebSocket per session to the protocol bridge.
type BridgeFactory struct {
	cfg    config.BridgeConfig
	creds  CredentialLoader
	logger *slog.Logger
}

// NewBridgeFactory creates a factory that dials cfg.URL.
func NewBridgeFactory(cfg config.BridgeConfig, creds CredentialLoader, logger *slog.Logger) *BridgeFactory {
	return &BridgeFactory{
		cfg:    cfg,
		creds:  creds,
		logger: logger.With("component", "bridge"),
	}
}

// Create dials the bridge, performs the hello handshake and starts reading events.
// A rejected handshake is returned as a *CloseError so callers can classify it.
func (f *BridgeFactory) Create(ctx context.Context, sessionID string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: f.cfg.HandshakeTimeout.Duration,
	}
	if f.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	if f.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+f.cfg.Token)
	}

	endpoint := strings.TrimRight(f.cfg.URL, "/") + "/v1/sessions/" + url.PathEscape(sessionID)
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &CloseError{Info: CloseInfo{StatusCode: resp.StatusCode, Reason: "bridge rejected token"}}
		}
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	var creds []byte
	if f.creds != nil {
		if creds, err = f.creds.Load(sessionID); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("load credentials: %w", err)
		}
	}

	self, err := handshake(ws, sessionID, creds, f.cfg.HandshakeTimeout.Duration)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &bridgeConn{
		sessionID: sessionID,
		ws:        ws,
		self:      self,
		timeout:   f.cfg.RequestTimeout.Duration,
		logger:    f.logger.With("session_id", sessionID),
		pending:   make(map[string]chan protocol.Result),
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
	}
	c.keepalive = newKeepalive(ws, &c.writeMu, f.cfg)
	c.keepalive.start()
	c.inbox.wake = make(chan struct{}, 1)
	go c.pump()
	go c.readLoop()

	c.logger.Info("connected to bridge", "self", self.ID)
	return c, nil
}

func handshake(ws *websocket.Conn, sessionID string, creds []byte, timeout time.Duration) (protocol.Identity, error) {
	hello := protocol.Hello{
		SessionID:   sessionID,
		Nonce:       uuid.NewString(),
		Credentials: creds,
	}
	env, err := protocol.NewEnvelope(protocol.TypeHello, "", sessionID, hello)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("marshal hello: %w", err)
	}
	if timeout > 0 {
		_ = ws.SetWriteDeadline(time.Now().Add(timeout))
		_ = ws.SetReadDeadline(time.Now().Add(timeout))
		defer func() {
			_ = ws.SetWriteDeadline(time.Time{})
			_ = ws.SetReadDeadline(time.Time{})
		}()
	}
	if err := ws.WriteJSON(env); err != nil {
		return protocol.Identity{}, fmt.Errorf("send hello: %w", err)
	}

	var reply protocol.Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		return protocol.Identity{}, fmt.Errorf("read hello ack: %w", err)
	}
	if reply.Type != protocol.TypeHelloAck {
		return protocol.Identity{}, fmt.Errorf("unexpected handshake reply: %s", reply.Type)
	}
	var ack protocol.HelloAck
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		return protocol.Identity{}, fmt.Errorf("decode hello ack: %w", err)
	}
	if !ack.OK {
		return protocol.Identity{}, &CloseError{Info: CloseInfo{StatusCode: ack.Code, Reason: ack.Error}}
	}
	return ack.Self, nil
}

// bridgeConn implements Conn over a bridge WebSocket. Requests are correlated
// with results by envelope ID.
type bridgeConn struct {
	sessionID string
	ws        *websocket.Conn
	self      protocol.Identity
	timeout   time.Duration
	logger    *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan protocol.Result
	closing   bool
	closeInfo *CloseInfo

	events    chan Event
	inbox     inbox
	done      chan struct{}
	closeOnce sync.Once
	keepalive *keepalive
}

func (c *bridgeConn) Events() <-chan Event      { return c.events }
func (c *bridgeConn) Self() protocol.Identity { return c.self }

// readLoop is the only reader of the socket. It never blocks on the
// consumer: results go straight to their callers and events are parked in
// the inbox, so a slow consumer cannot hold up RPC results it may be
// waiting on.
func (c *bridgeConn) readLoop() {
	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			info := c.finish(err)
			c.inbox.push(Event{Kind: EventClose, Close: &info})
			c.inbox.close()
			return
		}
		c.keepalive.touch()
		c.handle(env)
	}
}

// pump forwards inbox events to the consumer in order and closes the
// channel after the final close event.
func (c *bridgeConn) pump() {
	defer close(c.events)
	for {
		batch, closed := c.inbox.take()
		for _, ev := range batch {
			c.events <- ev
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

// inbox is an unbounded FIFO between readLoop and pump.
type inbox struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	wake   chan struct{}
}

func (q *inbox) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// take waits for queued events or close and returns everything queued.
func (q *inbox) take() ([]Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 || q.closed {
			batch := q.items
			q.items = nil
			closed := q.closed
			q.mu.Unlock()
			return batch, closed
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (c *bridgeConn) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResult:
		var res protocol.Result
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			res = protocol.Result{Error: "malformed result: " + err.Error()}
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ok {
			ch <- res
		}

	case protocol.TypeConnectionUpdate:
		var upd protocol.ConnectionUpdate
		if !c.decode(env, &upd) {
			return
		}
		c.inbox.push(Event{Kind: EventConnectionUpdate, Update: &upd})
		switch upd.Connection {
		case protocol.ConnOpen:
			c.inbox.push(Event{Kind: EventOpen})
		case protocol.ConnClose:
			c.mu.Lock()
			c.closeInfo = &CloseInfo{StatusCode: upd.StatusCode, Reason: upd.Reason}
			c.mu.Unlock()
		}

	case protocol.TypeCredsUpdate:
		var upd protocol.CredsUpdate
		if c.decode(env, &upd) && len(upd.Credentials) > 0 {
			c.inbox.push(Event{Kind: EventCredentials, Credentials: upd.Credentials})
		}

	case protocol.TypeMessagesUpsert:
		var batch protocol.MessagesUpsert
		if c.decode(env, &batch) {
			c.inbox.push(Event{Kind: EventMessages, Messages: &batch})
		}

	case protocol.TypeGroupsUpdate:
		var groups []protocol.GroupUpdate
		if c.decode(env, &groups) {
			c.inbox.push(Event{Kind: EventGroups, Groups: groups})
		}

	case protocol.TypeParticipantsUpdate:
		var upd protocol.ParticipantsUpdate
		if c.decode(env, &upd) {
			c.inbox.push(Event{Kind: EventParticipants, Participants: &upd})
		}

	default:
		c.logger.Debug("ignoring bridge message", "type", env.Type)
	}
}

func (c *bridgeConn) decode(env protocol.Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		c.logger.Warn("invalid payload from bridge", "type", env.Type, "error", err)
		return false
	}
	return true
}

// finish tears the connection down after the read side failed and returns the
// close reason, preferring one the bridge announced before hanging up.
func (c *bridgeConn) finish(readErr error) CloseInfo {
	c.mu.Lock()
	var info CloseInfo
	switch {
	case c.closeInfo != nil:
		info = *c.closeInfo
	case c.closing:
		info = CloseInfo{Reason: "closed locally"}
	default:
		info = closeInfoFromError(readErr)
	}
	pending := c.pending
	c.pending = make(map[string]chan protocol.Result)
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		c.keepalive.stop()
		_ = c.ws.Close()
	})
	for _, ch := range pending {
		ch <- protocol.Result{Error: "connection closed", Code: -1}
	}

	c.logger.Info("bridge connection closed", "reason", info.String())
	return info
}

// closeInfoFromError maps a websocket close frame to a status: application
// codes 4000-4999 carry the upstream status as code-4000.
func closeInfoFromError(err error) CloseInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code >= 4000 && ce.Code < 5000 {
			return CloseInfo{StatusCode: ce.Code - 4000, Reason: ce.Text}
		}
		reason := ce.Text
		if reason == "" {
			reason = fmt.Sprintf("websocket close %d", ce.Code)
		}
		return CloseInfo{Reason: reason}
	}
	return CloseInfo{Reason: err.Error()}
}

func (c *bridgeConn) call(ctx context.Context, method string, params, out any) error {
	id := uuid.NewString()
	ch := make(chan protocol.Result, 1)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeRequest, id, c.sessionID, protocol.Request{Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.ws.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-ch:
		if res.Code == -1 {
			return ErrClosed
		}
		if !res.OK {
			return &RemoteError{Method: method, Code: res.Code, Msg: res.Error}
		}
		if out != nil && len(res.Data) > 0 {
			if err := json.Unmarshal(res.Data, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-timeout:
		c.forget(id)
		return fmt.Errorf("%s: request timed out after %s", method, c.timeout)
	}
}

func (c *bridgeConn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *bridgeConn) Send(ctx context.Context, to string, msg protocol.Outgoing) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, protocol.MethodSend, map[string]any{"to": to, "message": msg}, &out)
	return out.ID, err
}

func (c *bridgeConn) ReadMessages(ctx context.Context, keys []protocol.MessageKey) error {
	return c.call(ctx, protocol.MethodRead, map[string]any{"keys": keys}, nil)
}

func (c *bridgeConn) FetchGroupMetadata(ctx context.Context, groupID string) (protocol.GroupMetadata, error) {
	var md protocol.GroupMetadata
	err := c.call(ctx, protocol.MethodGroupMetadata, map[string]any{"id": groupID}, &md)
	return md, err
}

func (c *bridgeConn) FetchAllGroups(ctx context.Context) (map[string]protocol.GroupMetadata, error) {
	groups := make(map[string]protocol.GroupMetadata)
	err := c.call(ctx, protocol.MethodGroupFetchAll, nil, &groups)
	return groups, err
}

func (c *bridgeConn) UpdateParticipants(ctx context.Context, groupID string, ids []string, action string) error {
	return c.call(ctx, protocol.MethodGroupParticipants, map[string]any{"id": groupID, "participants": ids, "action": action}, nil)
}

func (c *bridgeConn) UpdateGroupSetting(ctx context.Context, groupID, setting string) error {
	return c.call(ctx, protocol.MethodGroupSetting, map[string]any{"id": groupID, "setting": setting}, nil)
}

func (c *bridgeConn) UpdateSubject(ctx context.Context, groupID, subject string) error {
	return c.call(ctx, protocol.MethodGroupSubject, map[string]any{"id": groupID, "subject": subject}, nil)
}

func (c *bridgeConn) UpdateDescription(ctx context.Context, groupID, desc string) error {
	return c.call(ctx, protocol.MethodGroupDescription, map[string]any{"id": groupID, "desc": desc}, nil)
}

func (c *bridgeConn) InviteCode(ctx context.Context, groupID string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	err := c.call(ctx, protocol.MethodGroupInviteCode, map[string]any{"id": groupID}, &out)
	return out.Code, err
}

func (c *bridgeConn) RevokeInvite(ctx context.Context, groupID string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	err := c.call(ctx, protocol.MethodGroupRevokeInvite, map[string]any{"id": groupID}, &out)
	return out.Code, err
}

func (c *bridgeConn) AcceptInvite(ctx context.Context, code string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, protocol.MethodGroupAcceptInvite, map[string]any{"code": code}, &out)
	return out.ID, err
}

func (c *bridgeConn) JoinRequests(ctx context.Context, groupID string) ([]protocol.JoinRequest, error) {
	var out []protocol.JoinRequest
	err := c.call(ctx, protocol.MethodGroupRequests, map[string]any{"id": groupID}, &out)
	return out, err
}

func (c *bridgeConn) UpdateJoinRequests(ctx context.Context, groupID string, ids []string, approve bool) error {
	action := "reject"
	if approve {
		action = "approve"
	}
	return c.call(ctx, protocol.MethodGroupRequestUpdate, map[string]any{"id": groupID, "participants": ids, "action": action}, nil)
}

func (c *bridgeConn) LeaveGroup(ctx context.Context, groupID string) error {
	return c.call(ctx, protocol.MethodGroupLeave, map[string]any{"id": groupID}, nil)
}

func (c *bridgeConn) Logout(ctx context.Context) error {
	err := c.call(ctx, protocol.MethodLogout, nil, nil)
	_ = c.Close()
	return err
}

func (c *bridgeConn) Close() error {
	c.mu.Lock()
	already := c.closing
	c.closing = true
	c.mu.Unlock()
	if already {
		return nil
	}

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	// The read loop observes the closed socket and emits the final close event.
	return c.ws.Close()
}
