package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/switchyard-chat/switchyard/internal/conn"
	"github.com/switchyard-chat/switchyard/internal/message"
)

// Ping replies with the time it took to acknowledge the command.
func Ping() Handler {
	return Handler{
		Trigger:     Command("ping"),
		Description: "Replies with the bot latency",
		Exec: func(ctx context.Context, v *message.View, _ Args, _ conn.Conn) error {
			start := time.Now()
			if res := v.React(ctx, "🏓"); res.Err != nil {
				return fmt.Errorf("react: %w", res.Err)
			}
			latency := time.Since(start).Milliseconds()
			if res := v.Reply(ctx, fmt.Sprintf("pong %dms", latency)); res.Err != nil {
				return fmt.Errorf("reply: %w", res.Err)
			}
			return nil
		},
	}
}

// Help lists the commands registered in r.
func Help(r *Registry) Handler {
	return Handler{
		Trigger:     Command("help"),
		Description: "Lists available commands",
		Exec: func(ctx context.Context, v *message.View, args Args, _ conn.Conn) error {
			var b strings.Builder
			b.WriteString("Commands:")
			for _, h := range r.Commands() {
				fmt.Fprintf(&b, "\n%s%s", args.Prefix, h.Trigger.Name())
				if h.Description != "" {
					b.WriteString(" - " + h.Description)
				}
			}
			if res := v.Reply(ctx, b.String()); res.Err != nil {
				return fmt.Errorf("reply: %w", res.Err)
			}
			return nil
		},
	}
}
