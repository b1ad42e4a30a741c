package message

import (
	"context"
	"errors"
	"testing"

	"github.com/switchyard-chat/switchyard/internal/conn/conntest"
	"github.com/switchyard-chat/switchyard/internal/groupcache"
	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

func newGroupView(t *testing.T) (*View, *conntest.Conn, *groupcache.Store) {
	t.Helper()
	c := conntest.New("s1", selfID)
	c.SetGroup(protocol.GroupMetadata{
		ID:      groupID,
		Subject: "Friends",
		Participants: []protocol.GroupParticipant{
			{ID: "100@s.whatsapp.net", Admin: "admin"},
			{ID: alice},
		},
	})
	store := groupcache.New(groupcache.Options{}, testLogger()).Tenant("s1")
	v := Normalize(textMessage(groupID, alice, "hi"), c, store, testLogger())
	return v, c, store
}

func TestView_Reply(t *testing.T) {
	v, c, _ := newGroupView(t)
	res := v.Reply(context.Background(), "pong")
	if !res.OK() {
		t.Fatalf("Reply: %v", res.Err)
	}
	if res.Value == "" {
		t.Error("expected a message id")
	}
	sent := c.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	if sent[0].To != groupID || sent[0].Msg.Text != "pong" {
		t.Errorf("unexpected send %+v", sent[0])
	}
	if sent[0].Msg.Quoted == nil || sent[0].Msg.Quoted.Key.ID != "m1" {
		t.Error("reply should quote the original message")
	}
}

func TestView_ReactAndMarkRead(t *testing.T) {
	v, c, _ := newGroupView(t)
	if res := v.React(context.Background(), "👍"); !res.OK() {
		t.Fatal(res.Err)
	}
	sent := c.Sent()
	if len(sent) != 1 || sent[0].Msg.React == nil || sent[0].Msg.React.Key.ID != "m1" {
		t.Errorf("unexpected reaction %+v", sent)
	}

	if res := v.MarkRead(context.Background()); !res.OK() {
		t.Fatal(res.Err)
	}
	if read := c.Read(); len(read) != 1 || read[0].ID != "m1" {
		t.Errorf("unexpected read keys %v", read)
	}
}

func TestView_FailureIsCarried(t *testing.T) {
	v, c, _ := newGroupView(t)
	boom := errors.New("boom")
	c.FailOn(protocol.MethodSend, boom)

	res := v.Reply(context.Background(), "x")
	if !errors.Is(res.Err, boom) {
		t.Errorf("expected boom, got %v", res.Err)
	}
	if res.OK() {
		t.Error("failed result reported OK")
	}
}

func TestView_PromoteRefreshesCache(t *testing.T) {
	v, c, store := newGroupView(t)
	ctx := context.Background()

	if _, err := v.Group(ctx); err != nil {
		t.Fatal(err)
	}
	if res := v.PromoteParticipants(ctx, alice); !res.OK() {
		t.Fatal(res.Err)
	}
	if c.Fetches() != 2 {
		t.Errorf("expected a refresh fetch after promote, got %d fetches", c.Fetches())
	}
	e, ok := store.Get(groupID)
	if !ok || !e.IsAdmin(alice) {
		t.Errorf("cache should reflect promotion, got %+v", e)
	}
	info, err := v.Group(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !info.SenderIsAdmin {
		t.Error("view should see the refreshed admin set")
	}
}

func TestView_MuteAndSubject(t *testing.T) {
	v, c, store := newGroupView(t)
	ctx := context.Background()

	if res := v.Mute(ctx); !res.OK() {
		t.Fatal(res.Err)
	}
	if e, _ := store.Get(groupID); !e.Announce {
		t.Error("expected announce after mute")
	}
	if res := v.SetSubject(ctx, "Family"); !res.OK() {
		t.Fatal(res.Err)
	}
	if e, _ := store.Get(groupID); e.Subject != "Family" {
		t.Errorf("expected refreshed subject, got %q", e.Subject)
	}
	if res := v.Unmute(ctx); !res.OK() {
		t.Fatal(res.Err)
	}
	if e, _ := store.Get(groupID); e.Announce {
		t.Error("expected announce cleared after unmute")
	}
	if got := c.Calls(); len(got) == 0 {
		t.Error("expected calls to be recorded")
	}
}

func TestView_Leave(t *testing.T) {
	v, _, store := newGroupView(t)
	ctx := context.Background()
	if _, err := v.Group(ctx); err != nil {
		t.Fatal(err)
	}
	if res := v.Leave(ctx); !res.OK() {
		t.Fatal(res.Err)
	}
	if _, ok := store.Get(groupID); ok {
		t.Error("leave should delete the cache entry")
	}
}

func TestView_Invites(t *testing.T) {
	v, _, _ := newGroupView(t)
	ctx := context.Background()

	if res := v.InviteCode(ctx); res.Value != "code-"+groupID {
		t.Errorf("unexpected invite code %+v", res)
	}
	if res := v.RevokeInvite(ctx); res.Value != "new-code-"+groupID {
		t.Errorf("unexpected revoked code %+v", res)
	}
	if res := v.AcceptInvite(ctx, "abc"); res.Value != "group-for-abc" {
		t.Errorf("unexpected accept result %+v", res)
	}
	res := v.JoinRequests(ctx)
	if !res.OK() || len(res.Items) != 1 {
		t.Errorf("unexpected join requests %+v", res)
	}
	if res := v.UpdateJoinRequests(ctx, res.Items, true); !res.OK() {
		t.Error(res.Err)
	}
}

func TestView_GroupOpsOnDirectChat(t *testing.T) {
	c := conntest.New("s1", selfID)
	v := Normalize(textMessage(alice, "", "hi"), c, nil, testLogger())
	ctx := context.Background()

	for name, res := range map[string]Result{
		"add":     v.AddParticipants(ctx, bob),
		"mute":    v.Mute(ctx),
		"subject": v.SetSubject(ctx, "x"),
		"invite":  v.InviteCode(ctx),
		"leave":   v.Leave(ctx),
	} {
		if !errors.Is(res.Err, ErrNotGroup) {
			t.Errorf("%s: expected ErrNotGroup, got %v", name, res.Err)
		}
	}
	if calls := c.Calls(); len(calls) != 0 {
		t.Errorf("no calls should reach the connection, got %v", calls)
	}
}
