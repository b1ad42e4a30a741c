// Package handler defines the pluggable units that react to inbound traffic.
package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/switchyard-chat/switchyard/internal/conn"
	"github.com/switchyard-chat/switchyard/internal/message"
)

// Event types handlers can subscribe to.
const (
	EventText         = "text"
	EventParticipants = "group-participants.update"
)

type triggerKind int

const (
	triggerCommand triggerKind = iota + 1
	triggerEvent
)

// Trigger selects when a handler runs: on a named command, or on every event
// of a type.
type Trigger struct {
	kind triggerKind
	name string
}

// Command triggers on "<prefix><name>". Names are case-insensitive.
func Command(name string) Trigger {
	return Trigger{kind: triggerCommand, name: strings.ToLower(strings.TrimSpace(name))}
}

// Event triggers on every event of typ.
func Event(typ string) Trigger {
	return Trigger{kind: triggerEvent, name: typ}
}

// IsCommand reports whether t is a command trigger.
func (t Trigger) IsCommand() bool { return t.kind == triggerCommand }

// Name returns the command name or event type.
func (t Trigger) Name() string { return t.name }

func (t Trigger) String() string {
	switch t.kind {
	case triggerCommand:
		return "command:" + t.name
	case triggerEvent:
		return "event:" + t.name
	default:
		return "invalid"
	}
}

// ParticipantsEvent is a membership change enriched with group metadata.
type ParticipantsEvent struct {
	GroupID      string
	Author       string
	Action       string
	Participants []string
	Subject      string
	Size         int
}

// Args carries the invocation context of a handler.
type Args struct {
	SessionID string
	Prefix    string
	// Command is the matched command name, empty for event handlers.
	Command string
	// Text is the body after the command name, trimmed.
	Text   string
	Fields []string

	// Participants is set for group-participants.update handlers, which
	// receive a nil View.
	Participants *ParticipantsEvent
}

// ExecFunc runs a handler.
type ExecFunc func(ctx context.Context, v *message.View, args Args, c conn.Conn) error

// Handler binds a trigger to the function it runs.
type Handler struct {
	Trigger     Trigger
	Description string
	Exec        ExecFunc
}

func (h Handler) validate() error {
	if h.Exec == nil {
		return fmt.Errorf("handler %s has no exec function", h.Trigger)
	}
	switch h.Trigger.kind {
	case triggerCommand, triggerEvent:
	default:
		return fmt.Errorf("handler has no trigger")
	}
	if h.Trigger.name == "" {
		return fmt.Errorf("handler %s has an empty name", h.Trigger)
	}
	if h.Trigger.kind == triggerCommand && strings.ContainsAny(h.Trigger.name, " \t\n") {
		return fmt.Errorf("command name %q contains whitespace", h.Trigger.name)
	}
	return nil
}

// ParseCommand splits body into a command name and its arguments when body
// starts with prefix. Names are lowercased.
func ParseCommand(body, prefix string) (name, rest string, ok bool) {
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return "", "", false
	}
	trimmed := strings.TrimSpace(strings.TrimPrefix(body, prefix))
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", "", false
	}
	name = fields[0]
	rest = strings.TrimSpace(trimmed[len(name):])
	return strings.ToLower(name), rest, true
}
