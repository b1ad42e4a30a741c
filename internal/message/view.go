// Package message turns raw inbound messages into the View handlers work with.
package message

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/switchyard-chat/switchyard/internal/conn"
	"github.com/switchyard-chat/switchyard/internal/groupcache"
	"github.com/switchyard-chat/switchyard/internal/jid"
	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

// ErrNotGroup is returned by group operations on a direct chat.
var ErrNotGroup = errors.New("not a group chat")

// Kind is the content type of a message.
type Kind string

const (
	KindConversation  Kind = "conversation"
	KindExtendedText  Kind = "extended_text"
	KindImage         Kind = "image"
	KindVideo         Kind = "video"
	KindAudio         Kind = "audio"
	KindDocument      Kind = "document"
	KindSticker       Kind = "sticker"
	KindTemplateReply Kind = "template_button_reply"
	KindButtons       Kind = "buttons_response"
	KindList          Kind = "list_response"
	KindReaction      Kind = "reaction"
	KindUnknown       Kind = "unknown"
)

// unwrapDepth bounds how many ephemeral/view-once envelopes are peeled.
const unwrapDepth = 4

// View is the handler-facing form of one inbound message. It is derived per
// message and never stored.
type View struct {
	ID         string
	Chat       string
	Sender     string
	FromMe     bool
	IsFromSelf bool
	IsGroup    bool
	PushName   string
	Kind       Kind
	Body       string
	Mentions   []string
	Quoted     *Quoted
	Timestamp  time.Time
	Raw        protocol.WebMessage

	// Content is the unwrapped message content; nil for empty messages.
	Content *protocol.Content

	self   protocol.Identity
	conn   conn.Conn
	store  *groupcache.Store
	logger *slog.Logger

	groupMu sync.Mutex
	group   *GroupInfo
}

// Quoted is the message a View replies to.
type Quoted struct {
	ID          string
	Participant string
	FromSelf    bool
	Kind        Kind
	Body        string
	Key         protocol.MessageKey
	Content     *protocol.Content
}

// GroupInfo is the group context of a message, resolved on demand.
type GroupInfo struct {
	ID            string
	Subject       string
	Description   string
	Owner         string
	Participants  []groupcache.Participant
	Admins        []string
	Size          int
	Announce      bool
	Restrict      bool
	JoinApproval  bool
	MemberAdd     bool
	SelfIsAdmin   bool
	SenderIsAdmin bool
}

// Normalize builds the View for raw. store may be nil, in which case group
// lookups go straight to the connection.
func Normalize(raw protocol.WebMessage, c conn.Conn, store *groupcache.Store, logger *slog.Logger) *View {
	key := raw.Key
	chat := key.RemoteJID
	sender := key.Participant
	if sender == "" {
		sender = chat
	}
	sender = jid.Normalize(sender)

	v := &View{
		ID:       key.ID,
		Chat:     chat,
		Sender:   sender,
		FromMe:   key.FromMe,
		IsGroup:  jid.IsGroup(chat),
		PushName: raw.PushName,
		Raw:      raw,
		conn:     c,
		store:    store,
		logger:   logger,
	}
	if v.PushName == "" {
		v.PushName = "Unknown"
	}
	if raw.Timestamp > 0 {
		v.Timestamp = time.Unix(raw.Timestamp, 0).UTC()
	}
	if c != nil {
		v.self = c.Self()
	}
	v.IsFromSelf = v.FromMe || v.isSelf(sender)

	content := Unwrap(raw.Message)
	v.Content = content
	kind, body, info := describe(content)
	v.Kind = kind
	v.Body = body

	if info != nil {
		v.Mentions = append([]string(nil), info.MentionedJID...)
		if info.QuotedMessage != nil {
			v.Quoted = v.quoted(info)
		}
	}
	return v
}

func (v *View) quoted(info *protocol.ContextInfo) *Quoted {
	content := Unwrap(info.QuotedMessage)
	kind, body, _ := describe(content)
	participant := info.Participant
	if participant == "" {
		participant = v.Chat
	}
	participant = jid.Normalize(participant)
	fromSelf := v.isSelf(participant)
	return &Quoted{
		ID:          info.StanzaID,
		Participant: participant,
		FromSelf:    fromSelf,
		Kind:        kind,
		Body:        body,
		Content:     content,
		Key: protocol.MessageKey{
			RemoteJID:   v.Chat,
			FromMe:      fromSelf,
			ID:          info.StanzaID,
			Participant: participant,
		},
	}
}

func (v *View) isSelf(addr string) bool {
	return jid.SameUser(addr, v.self.ID) || jid.SameUser(addr, v.self.LID)
}

// Self returns the identity of the account that received the message.
func (v *View) Self() protocol.Identity { return v.self }

// Unwrap peels ephemeral and view-once envelopes off c.
func Unwrap(c *protocol.Content) *protocol.Content {
	for i := 0; c != nil && i < unwrapDepth; i++ {
		switch {
		case c.Ephemeral != nil:
			c = c.Ephemeral.Message
		case c.ViewOnce != nil:
			c = c.ViewOnce.Message
		default:
			return c
		}
	}
	return c
}

// describe returns the kind, the text body and the context info of content.
func describe(c *protocol.Content) (Kind, string, *protocol.ContextInfo) {
	if c == nil {
		return KindUnknown, "", nil
	}
	switch {
	case c.Conversation != nil:
		return KindConversation, *c.Conversation, nil
	case c.ExtendedText != nil:
		return KindExtendedText, c.ExtendedText.Text, c.ExtendedText.ContextInfo
	case c.Image != nil:
		return KindImage, c.Image.Caption, c.Image.ContextInfo
	case c.Video != nil:
		return KindVideo, c.Video.Caption, c.Video.ContextInfo
	case c.TemplateButtonReply != nil:
		return KindTemplateReply, c.TemplateButtonReply.SelectedDisplayText, c.TemplateButtonReply.ContextInfo
	case c.ButtonsResponse != nil:
		return KindButtons, c.ButtonsResponse.SelectedButtonID, c.ButtonsResponse.ContextInfo
	case c.ListResponse != nil:
		body := ""
		if c.ListResponse.SingleSelectReply != nil {
			body = c.ListResponse.SingleSelectReply.SelectedRowID
		}
		return KindList, body, c.ListResponse.ContextInfo
	case c.Audio != nil:
		return KindAudio, "", c.Audio.ContextInfo
	case c.Document != nil:
		return KindDocument, "", c.Document.ContextInfo
	case c.Sticker != nil:
		return KindSticker, "", c.Sticker.ContextInfo
	case c.Reaction != nil:
		return KindReaction, "", nil
	default:
		return KindUnknown, "", nil
	}
}

// Group resolves the chat's group context through the tenant cache. The
// result is memoized on success.
func (v *View) Group(ctx context.Context) (*GroupInfo, error) {
	if !v.IsGroup {
		return nil, ErrNotGroup
	}
	v.groupMu.Lock()
	defer v.groupMu.Unlock()
	if v.group != nil {
		return v.group, nil
	}

	var (
		e   groupcache.Entry
		err error
	)
	if v.store != nil {
		e, err = v.store.GetOrFetch(ctx, v.Chat, v.conn.FetchGroupMetadata)
	} else {
		var md protocol.GroupMetadata
		md, err = v.conn.FetchGroupMetadata(ctx, v.Chat)
		if err == nil {
			e = entryFromMetadata(md)
		}
	}
	if err != nil {
		return nil, err
	}

	info := &GroupInfo{
		ID:           e.ID,
		Subject:      e.Subject,
		Description:  e.Description,
		Owner:        e.Owner,
		Participants: e.Participants,
		Admins:       e.Admins(),
		Size:         e.Size,
		Announce:     e.Announce,
		Restrict:     e.Restrict,
		JoinApproval: e.JoinApproval,
		MemberAdd:    e.MemberAdd,
	}
	if info.Owner == "" && len(info.Admins) > 0 {
		info.Owner = info.Admins[0]
	}
	info.SelfIsAdmin = e.IsAdmin(v.self.ID) || e.IsAdmin(v.self.LID)
	info.SenderIsAdmin = e.IsAdmin(v.Sender)
	v.group = info
	return info, nil
}

func entryFromMetadata(md protocol.GroupMetadata) groupcache.Entry {
	e := groupcache.Entry{
		ID:           md.ID,
		Subject:      md.Subject,
		Description:  md.Desc,
		Owner:        jid.Normalize(md.Owner),
		Size:         md.Size,
		Announce:     md.Announce,
		Restrict:     md.Restrict,
		JoinApproval: md.JoinApproval,
		MemberAdd:    md.MemberAdd,
	}
	for _, p := range md.Participants {
		if p.ID != "" {
			e.Participants = append(e.Participants, groupcache.Participant{ID: p.ID, IsAdmin: p.IsAdmin()})
		}
	}
	if e.Size < len(e.Participants) {
		e.Size = len(e.Participants)
	}
	return e
}

// forgetGroup drops the memoized group context after a mutation.
func (v *View) forgetGroup() {
	v.groupMu.Lock()
	v.group = nil
	v.groupMu.Unlock()
}
