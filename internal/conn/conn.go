// Package conn defines the connection surface a session drives, and the
// bridge-backed implementation used in production.
package conn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

// Conn is one live, authenticated connection for one session.
// Events are delivered serially on the channel returned by Events; the channel
// is closed after the final EventClose.
type Conn interface {
	Events() <-chan Event
	Self() protocol.Identity

	Send(ctx context.Context, to string, msg protocol.Outgoing) (string, error)
	ReadMessages(ctx context.Context, keys []protocol.MessageKey) error

	FetchGroupMetadata(ctx context.Context, groupID string) (protocol.GroupMetadata, error)
	FetchAllGroups(ctx context.Context) (map[string]protocol.GroupMetadata, error)
	UpdateParticipants(ctx context.Context, groupID string, ids []string, action string) error
	UpdateGroupSetting(ctx context.Context, groupID, setting string) error
	UpdateSubject(ctx context.Context, groupID, subject string) error
	UpdateDescription(ctx context.Context, groupID, desc string) error
	InviteCode(ctx context.Context, groupID string) (string, error)
	RevokeInvite(ctx context.Context, groupID string) (string, error)
	AcceptInvite(ctx context.Context, code string) (string, error)
	JoinRequests(ctx context.Context, groupID string) ([]protocol.JoinRequest, error)
	UpdateJoinRequests(ctx context.Context, groupID string, ids []string, approve bool) error
	LeaveGroup(ctx context.Context, groupID string) error

	// Logout revokes the session's credentials upstream and ends the connection.
	Logout(ctx context.Context) error
	// Close ends the connection without touching credentials. Idempotent.
	Close() error
}

// Factory produces connections for session ids. Implementations enforce their
// own connect timeout.
type Factory interface {
	Create(ctx context.Context, sessionID string) (Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, sessionID string) (Conn, error)

func (f FactoryFunc) Create(ctx context.Context, sessionID string) (Conn, error) {
	return f(ctx, sessionID)
}

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventClose
	EventConnectionUpdate
	EventCredentials
	EventMessages
	EventGroups
	EventParticipants
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventConnectionUpdate:
		return "connection_update"
	case EventCredentials:
		return "credentials"
	case EventMessages:
		return "messages"
	case EventGroups:
		return "groups"
	case EventParticipants:
		return "participants"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one lifecycle or data event from a connection. Exactly the field
// matching Kind is set.
type Event struct {
	Kind         EventKind
	Close        *CloseInfo
	Update       *protocol.ConnectionUpdate
	Credentials  []byte
	Messages     *protocol.MessagesUpsert
	Groups       []protocol.GroupUpdate
	Participants *protocol.ParticipantsUpdate
}

// Status codes the messaging network uses to end a session for good.
const (
	StatusUnauthorized = 401
	StatusForbidden    = 403
)

var permanentReasons = []string{"loggedout", "logout", "forbidden"}

// CloseInfo describes why a connection ended.
type CloseInfo struct {
	StatusCode int
	Reason     string
}

// Permanent reports whether the close revokes the session's authorization.
// Anything else is treated as transient and retried.
func (c CloseInfo) Permanent() bool {
	if c.StatusCode == StatusUnauthorized || c.StatusCode == StatusForbidden {
		return true
	}
	reason := strings.ToLower(strings.ReplaceAll(c.Reason, " ", ""))
	for _, r := range permanentReasons {
		if strings.Contains(reason, r) {
			return true
		}
	}
	return false
}

func (c CloseInfo) String() string {
	switch {
	case c.StatusCode != 0 && c.Reason != "":
		return fmt.Sprintf("%d %s", c.StatusCode, c.Reason)
	case c.StatusCode != 0:
		return fmt.Sprintf("%d", c.StatusCode)
	case c.Reason != "":
		return c.Reason
	default:
		return "connection closed"
	}
}

// CloseError is returned by operations on a connection that has ended.
type CloseError struct {
	Info CloseInfo
}

func (e *CloseError) Error() string {
	return "connection closed: " + e.Info.String()
}

// AsCloseError extracts a CloseError from err, if present.
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RemoteError is a failed request reported by the far side.
type RemoteError struct {
	Method string
	Code   int
	Msg    string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed (%d): %s", e.Method, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Method, e.Msg)
}

// ErrClosed is returned when calling into a connection after Close.
var ErrClosed = errors.New("connection closed")
