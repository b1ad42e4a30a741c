package message

import (
	"context"

	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

// Result is the outcome of a capability operation. Capabilities never panic;
// failures are carried in Err.
type Result struct {
	Value string
	// Items is set by operations that return a list.
	Items []string
	Err   error
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Err == nil }

func (v *View) fail(op string, err error) Result {
	v.logger.Debug("message operation failed", "op", op, "chat", v.Chat, "error", err)
	return Result{Err: err}
}

// refresh re-reads the group after a successful mutation. Errors are logged.
func (v *View) refresh(ctx context.Context) {
	v.forgetGroup()
	if v.store == nil {
		return
	}
	if _, err := v.store.Refresh(ctx, v.Chat, v.conn.FetchGroupMetadata); err != nil {
		v.logger.Debug("group refresh failed", "group_id", v.Chat, "error", err)
	}
}

// Send sends msg to the message's chat. Value is the new message id.
func (v *View) Send(ctx context.Context, msg protocol.Outgoing) Result {
	id, err := v.conn.Send(ctx, v.Chat, msg)
	if err != nil {
		return v.fail("send", err)
	}
	return Result{Value: id}
}

// Reply sends text quoting this message.
func (v *View) Reply(ctx context.Context, text string) Result {
	raw := v.Raw
	return v.Send(ctx, protocol.Outgoing{Text: text, Quoted: &raw})
}

// React puts an emoji reaction on this message. An empty emoji clears it.
func (v *View) React(ctx context.Context, emoji string) Result {
	return v.Send(ctx, protocol.Outgoing{React: &protocol.Reaction{Text: emoji, Key: v.Raw.Key}})
}

// Delete revokes the message identified by key in this chat.
func (v *View) Delete(ctx context.Context, key protocol.MessageKey) Result {
	if key.RemoteJID == "" {
		key.RemoteJID = v.Chat
	}
	return v.Send(ctx, protocol.Outgoing{Delete: &key})
}

// MarkRead sends a read receipt for this message.
func (v *View) MarkRead(ctx context.Context) Result {
	if err := v.conn.ReadMessages(ctx, []protocol.MessageKey{v.Raw.Key}); err != nil {
		return v.fail("read", err)
	}
	return Result{}
}

func (v *View) participants(ctx context.Context, action string, ids []string) Result {
	if !v.IsGroup {
		return v.fail("participants."+action, ErrNotGroup)
	}
	if err := v.conn.UpdateParticipants(ctx, v.Chat, ids, action); err != nil {
		return v.fail("participants."+action, err)
	}
	v.refresh(ctx)
	return Result{}
}

func (v *View) AddParticipants(ctx context.Context, ids ...string) Result {
	return v.participants(ctx, protocol.ActionAdd, ids)
}

func (v *View) RemoveParticipants(ctx context.Context, ids ...string) Result {
	return v.participants(ctx, protocol.ActionRemove, ids)
}

func (v *View) PromoteParticipants(ctx context.Context, ids ...string) Result {
	return v.participants(ctx, protocol.ActionPromote, ids)
}

func (v *View) DemoteParticipants(ctx context.Context, ids ...string) Result {
	return v.participants(ctx, protocol.ActionDemote, ids)
}

func (v *View) setting(ctx context.Context, setting string) Result {
	if !v.IsGroup {
		return v.fail("setting", ErrNotGroup)
	}
	if err := v.conn.UpdateGroupSetting(ctx, v.Chat, setting); err != nil {
		return v.fail("setting", err)
	}
	v.refresh(ctx)
	return Result{}
}

// Mute restricts sending to admins.
func (v *View) Mute(ctx context.Context) Result {
	return v.setting(ctx, protocol.SettingAnnouncement)
}

// Unmute lets every member send.
func (v *View) Unmute(ctx context.Context) Result {
	return v.setting(ctx, protocol.SettingNotAnnouncement)
}

func (v *View) SetSubject(ctx context.Context, subject string) Result {
	if !v.IsGroup {
		return v.fail("subject", ErrNotGroup)
	}
	if err := v.conn.UpdateSubject(ctx, v.Chat, subject); err != nil {
		return v.fail("subject", err)
	}
	v.refresh(ctx)
	return Result{}
}

func (v *View) SetDescription(ctx context.Context, desc string) Result {
	if !v.IsGroup {
		return v.fail("description", ErrNotGroup)
	}
	if err := v.conn.UpdateDescription(ctx, v.Chat, desc); err != nil {
		return v.fail("description", err)
	}
	v.refresh(ctx)
	return Result{}
}

// InviteCode returns the group's current invite code.
func (v *View) InviteCode(ctx context.Context) Result {
	if !v.IsGroup {
		return v.fail("invite_code", ErrNotGroup)
	}
	code, err := v.conn.InviteCode(ctx, v.Chat)
	if err != nil {
		return v.fail("invite_code", err)
	}
	return Result{Value: code}
}

// RevokeInvite invalidates the invite code and returns the new one.
func (v *View) RevokeInvite(ctx context.Context) Result {
	if !v.IsGroup {
		return v.fail("revoke_invite", ErrNotGroup)
	}
	code, err := v.conn.RevokeInvite(ctx, v.Chat)
	if err != nil {
		return v.fail("revoke_invite", err)
	}
	v.refresh(ctx)
	return Result{Value: code}
}

// AcceptInvite joins the group behind code. Value is the joined group's id.
func (v *View) AcceptInvite(ctx context.Context, code string) Result {
	groupID, err := v.conn.AcceptInvite(ctx, code)
	if err != nil {
		return v.fail("accept_invite", err)
	}
	return Result{Value: groupID}
}

// JoinRequests lists pending join requests; Items holds the requester ids.
func (v *View) JoinRequests(ctx context.Context) Result {
	if !v.IsGroup {
		return v.fail("join_requests", ErrNotGroup)
	}
	reqs, err := v.conn.JoinRequests(ctx, v.Chat)
	if err != nil {
		return v.fail("join_requests", err)
	}
	items := make([]string, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, r.ID)
	}
	return Result{Items: items}
}

// UpdateJoinRequests approves or rejects pending requests.
func (v *View) UpdateJoinRequests(ctx context.Context, ids []string, approve bool) Result {
	if !v.IsGroup {
		return v.fail("join_requests_update", ErrNotGroup)
	}
	if err := v.conn.UpdateJoinRequests(ctx, v.Chat, ids, approve); err != nil {
		return v.fail("join_requests_update", err)
	}
	v.refresh(ctx)
	return Result{}
}

// Leave exits the group and forgets its cached metadata.
func (v *View) Leave(ctx context.Context) Result {
	if !v.IsGroup {
		return v.fail("leave", ErrNotGroup)
	}
	if err := v.conn.LeaveGroup(ctx, v.Chat); err != nil {
		return v.fail("leave", err)
	}
	v.forgetGroup()
	if v.store != nil {
		v.store.Delete(v.Chat)
	}
	return Result{}
}
