// Package protocol defines the wire protocol spoken between switchyard and the
// protocol bridge over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure. One socket carries one session.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"` // request/result correlation
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id, sessionID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      typ,
		ID:        id,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = data
	}
	return env, nil
}

// Message types.
const (
	TypeHello              = "hello"
	TypeHelloAck           = "hello.ack"
	TypeRequest            = "request"
	TypeResult             = "result"
	TypeConnectionUpdate   = "connection.update"
	TypeCredsUpdate        = "creds.update"
	TypeMessagesUpsert     = "messages.upsert"
	TypeGroupsUpdate       = "groups.update"
	TypeParticipantsUpdate = "group-participants.update"
)

// Request methods understood by the bridge.
const (
	MethodSend               = "send"
	MethodRead               = "read"
	MethodGroupMetadata      = "group.metadata"
	MethodGroupFetchAll      = "group.fetch_all"
	MethodGroupParticipants  = "group.participants"
	MethodGroupSetting       = "group.setting"
	MethodGroupSubject       = "group.subject"
	MethodGroupDescription   = "group.description"
	MethodGroupInviteCode    = "group.invite_code"
	MethodGroupRevokeInvite  = "group.revoke_invite"
	MethodGroupAcceptInvite  = "group.accept_invite"
	MethodGroupLeave         = "group.leave"
	MethodGroupRequests      = "group.requests"
	MethodGroupRequestUpdate = "group.requests_update"
	MethodLogout             = "logout"
)

// Hello is sent by switchyard immediately after the socket opens.
type Hello struct {
	SessionID   string          `json:"session_id"`
	Nonce       string          `json:"nonce"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

// HelloAck is the bridge's response to Hello.
type HelloAck struct {
	OK    bool     `json:"ok"`
	Error string   `json:"error,omitempty"`
	Code  int      `json:"code,omitempty"`
	Self  Identity `json:"self"`
}

// Identity is the account a session is logged in as. LID is the optional
// privacy-preserving alias of the same account.
type Identity struct {
	ID  string `json:"id"`
	LID string `json:"lid,omitempty"`
}

// Request asks the bridge to perform an operation on the session's account.
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Result answers the Request with the same envelope ID.
type Result struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Code  int             `json:"code,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Connection states reported in ConnectionUpdate.
const (
	ConnConnecting = "connecting"
	ConnOpen       = "open"
	ConnClose      = "close"
)

// ConnectionUpdate reports the bridge's upstream connection state.
type ConnectionUpdate struct {
	Connection  string `json:"connection,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	QR          string `json:"qr,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

// CredsUpdate carries an opaque credential blob to be stored for the session.
type CredsUpdate struct {
	Credentials json.RawMessage `json:"credentials"`
}

// Upsert batch types.
const (
	UpsertNotify = "notify"
	UpsertAppend = "append"
)

// MessagesUpsert is a batch of inbound messages. Only "notify" batches are
// live traffic; "append" batches are history sync.
type MessagesUpsert struct {
	Type     string       `json:"type"`
	Messages []WebMessage `json:"messages"`
}

// Participant actions.
const (
	ActionAdd     = "add"
	ActionRemove  = "remove"
	ActionPromote = "promote"
	ActionDemote  = "demote"
)

// ParticipantsUpdate reports membership changes in a group.
type ParticipantsUpdate struct {
	ID           string   `json:"id"`
	Author       string   `json:"author,omitempty"`
	Participants []string `json:"participants"`
	Action       string   `json:"action"`
}

// GroupUpdate is a partial change to a group's metadata. Nil fields are unchanged.
type GroupUpdate struct {
	ID           string             `json:"id"`
	Subject      *string            `json:"subject,omitempty"`
	Desc         *string            `json:"desc,omitempty"`
	Owner        *string            `json:"owner,omitempty"`
	Announce     *bool              `json:"announce,omitempty"`
	Restrict     *bool              `json:"restrict,omitempty"`
	JoinApproval *bool              `json:"joinApprovalMode,omitempty"`
	MemberAdd    *bool              `json:"memberAddMode,omitempty"`
	Participants []GroupParticipant `json:"participants,omitempty"`
}

// GroupMetadata is the bridge's full description of a group.
type GroupMetadata struct {
	ID           string             `json:"id"`
	Subject      string             `json:"subject"`
	Desc         string             `json:"desc,omitempty"`
	Owner        string             `json:"owner,omitempty"`
	Creation     int64              `json:"creation,omitempty"` // unix seconds
	SubjectTime  int64              `json:"subjectTime,omitempty"`
	Size         int                `json:"size,omitempty"`
	Announce     bool               `json:"announce,omitempty"`
	Restrict     bool               `json:"restrict,omitempty"`
	JoinApproval bool               `json:"joinApprovalMode,omitempty"`
	MemberAdd    bool               `json:"memberAddMode,omitempty"`
	Participants []GroupParticipant `json:"participants"`
}

// GroupParticipant is one member. Admin is "admin", "superadmin" or empty.
type GroupParticipant struct {
	ID    string `json:"id"`
	Admin string `json:"admin,omitempty"`
}

// IsAdmin reports whether the participant holds any admin role.
func (p GroupParticipant) IsAdmin() bool {
	return p.Admin == "admin" || p.Admin == "superadmin"
}

// JoinRequest is a pending request to join a group.
type JoinRequest struct {
	ID          string `json:"jid"`
	RequestedAt int64  `json:"request_time,omitempty"`
}

// Group settings accepted by MethodGroupSetting.
const (
	SettingAnnouncement    = "announcement"
	SettingNotAnnouncement = "not_announcement"
	SettingLocked          = "locked"
	SettingUnlocked        = "unlocked"
)
