package handler

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/switchyard-chat/switchyard/internal/conn"
	"github.com/switchyard-chat/switchyard/internal/conn/conntest"
	"github.com/switchyard-chat/switchyard/internal/message"
	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

func noop(context.Context, *message.View, Args, conn.Conn) error { return nil }

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if len(r.Commands()) != 0 {
		t.Errorf("expected empty registry, got %d commands", len(r.Commands()))
	}
	if got := r.Lookup(Event(EventText)); len(got) != 0 {
		t.Errorf("expected no text handlers, got %d", len(got))
	}
}

func TestRegistry_RegisterCommand(t *testing.T) {
	r := NewRegistry()
	r.Register(Handler{Trigger: Command("Kick"), Description: "kick", Exec: noop})

	got := r.Lookup(Command("kick"))
	if len(got) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(got))
	}
	if got[0].Description != "kick" {
		t.Errorf("unexpected handler %+v", got[0])
	}
	if len(r.Lookup(Command("ban"))) != 0 {
		t.Error("unregistered command should not resolve")
	}
}

func TestRegistry_DuplicateCommandPanics(t *testing.T) {
	r := NewRegistry()
	r.Register(Handler{Trigger: Command("dup"), Exec: noop})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register(Handler{Trigger: Command("DUP"), Exec: noop})
}

func TestRegistry_InvalidHandlerPanics(t *testing.T) {
	tests := map[string]Handler{
		"no exec":    {Trigger: Command("x")},
		"no trigger": {Exec: noop},
		"empty name": {Trigger: Command(" "), Exec: noop},
		"whitespace": {Trigger: Command("a b"), Exec: noop},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			NewRegistry().Register(h)
		})
	}
}

func TestRegistry_EventHandlersKeepOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(Handler{Trigger: Event(EventText), Description: "first", Exec: noop})
	r.Register(Handler{Trigger: Event(EventText), Description: "second", Exec: noop})
	r.Register(Handler{Trigger: Event(EventParticipants), Description: "welcome", Exec: noop})

	text := r.Lookup(Event(EventText))
	if len(text) != 2 || text[0].Description != "first" || text[1].Description != "second" {
		t.Errorf("unexpected text handlers %+v", text)
	}
	if got := r.Lookup(Event(EventParticipants)); len(got) != 1 {
		t.Errorf("expected 1 participants handler, got %d", len(got))
	}
}

func TestRegistry_CommandsSorted(t *testing.T) {
	r := DefaultRegistry()
	r.Register(Handler{Trigger: Command("antilink"), Exec: noop})

	var names []string
	for _, h := range r.Commands() {
		names = append(names, h.Trigger.Name())
	}
	want := []string{"antilink", "help", "ping"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		body, prefix string
		name, rest   string
		ok           bool
	}{
		{".ping", ".", "ping", "", true},
		{".Kick  @123 now", ".", "kick", "@123 now", true},
		{". ping", ".", "ping", "", true},
		{"!ban\tuser", "!", "ban", "user", true},
		{".", ".", "", "", false},
		{"ping", ".", "", "", false},
		{"hello", "", "", "", false},
	}
	for _, tt := range tests {
		name, rest, ok := ParseCommand(tt.body, tt.prefix)
		if ok != tt.ok || name != tt.name || rest != tt.rest {
			t.Errorf("ParseCommand(%q, %q) = %q, %q, %v; want %q, %q, %v",
				tt.body, tt.prefix, name, rest, ok, tt.name, tt.rest, tt.ok)
		}
	}
}

func TestPing(t *testing.T) {
	c := conntest.New("s1", "100@s.whatsapp.net")
	text := ".ping"
	raw := protocol.WebMessage{
		Key:     protocol.MessageKey{RemoteJID: "200@s.whatsapp.net", ID: "m1"},
		Message: &protocol.Content{Conversation: &text},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	v := message.Normalize(raw, c, nil, logger)

	if err := Ping().Exec(context.Background(), v, Args{Prefix: "."}, c); err != nil {
		t.Fatalf("ping: %v", err)
	}
	sent := c.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected reaction and reply, got %d messages", len(sent))
	}
	if sent[0].Msg.React == nil {
		t.Error("first message should be a reaction")
	}
	if !strings.HasPrefix(sent[1].Msg.Text, "pong ") {
		t.Errorf("unexpected reply %q", sent[1].Msg.Text)
	}
}

func TestHelp(t *testing.T) {
	r := DefaultRegistry()
	c := conntest.New("s1", "100@s.whatsapp.net")
	text := "!help"
	raw := protocol.WebMessage{
		Key:     protocol.MessageKey{RemoteJID: "200@s.whatsapp.net", ID: "m1"},
		Message: &protocol.Content{Conversation: &text},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	v := message.Normalize(raw, c, nil, logger)

	h := r.Lookup(Command("help"))[0]
	if err := h.Exec(context.Background(), v, Args{Prefix: "!"}, c); err != nil {
		t.Fatal(err)
	}
	sent := c.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Msg.Text, "!ping") {
		t.Errorf("unexpected help output %+v", sent)
	}
}
