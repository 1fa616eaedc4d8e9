// ABOUTME: Delivers feed alerts to the alert channel of every matching room
// ABOUTME: Implements feeds.Notifier on top of the room registry and a Sender

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/cyberintel/internal/feeds"
)

// RoomNotifier posts alerts to configured rooms.
type RoomNotifier struct {
	rooms  RoomConfig
	sender Sender
	logger *slog.Logger
}

// NewRoomNotifier creates a RoomNotifier.
func NewRoomNotifier(rooms RoomConfig, sender Sender, logger *slog.Logger) *RoomNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomNotifier{rooms: rooms, sender: sender, logger: logger.With("component", "notifier")}
}

// Notify sends a to every target whose filters match. Page changes go to
// every target. Two rooms sharing an alert channel get one message.
func (n *RoomNotifier) Notify(ctx context.Context, a feeds.Alert) (int, error) {
	md := FormatAlert(a)
	text := a.Text()

	sent := make(map[string]bool)
	var errs []error
	for _, t := range n.rooms.Targets(ctx) {
		if sent[t.ChannelID] {
			continue
		}
		if a.Kind != feeds.KindPageChange && !t.Matches(text) {
			continue
		}
		if err := n.sender.SendMarkdown(ctx, t.ChannelID, md); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", t.RoomID, err))
			continue
		}
		sent[t.ChannelID] = true
	}
	if len(sent) > 0 {
		n.logger.Debug("alert delivered", "title", a.Title, "rooms", len(sent))
	}
	return len(sent), errors.Join(errs...)
}
