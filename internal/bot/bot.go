// ABOUTME: Matrix client lifecycle: sync loop, invite handling and command routing
// ABOUTME: Drops duplicate and pre-startup events before handing commands to Handler

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/cyberintel/internal/dedupe"
)

// Options configures a Bot.
type Options struct {
	// Client is an authenticated client; see NewClient.
	Client       *mautrix.Client
	AllowedRooms []string

	Handler *Handler
	// Events drops redelivered events by id.
	Events *dedupe.Cache
	Logger *slog.Logger
}

// Bot connects the command handler to Matrix.
type Bot struct {
	opts    Options
	client  *mautrix.Client
	sender  *MatrixSender
	userID  id.UserID
	logger  *slog.Logger
	started time.Time

	// ctx is the parent context for command goroutines
	ctx context.Context
}

// NewClient creates a mautrix client. It does not contact the homeserver.
func NewClient(homeserver, userID, accessToken string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return client, nil
}

// New creates a Bot around opts.Client.
func New(opts Options) (*Bot, error) {
	if opts.Client == nil {
		return nil, errors.New("matrix client is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("command handler is required")
	}
	if opts.Events == nil {
		opts.Events = dedupe.New(10*time.Minute, 10000)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		opts:   opts,
		client: opts.Client,
		sender: NewMatrixSender(opts.Client),
		userID: opts.Client.UserID,
		logger: logger.With("component", "matrix"),
	}, nil
}

// Sender returns the message sender bound to this bot's client.
func (b *Bot) Sender() Sender {
	return b.sender
}

// Run syncs until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bot",
		"homeserver", b.client.HomeserverURL.String(),
		"user_id", b.userID.String(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.ctx = ctx
	b.started = time.Now()

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(ctx)
	}()
	b.logger.Info("matrix bot running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bot")
		b.client.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (b *Bot) roomAllowed(roomID string) bool {
	return len(b.opts.AllowedRooms) == 0 || slices.Contains(b.opts.AllowedRooms, roomID)
}

// handleMemberEvent joins rooms the bot is invited to.
func (b *Bot) handleMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != b.userID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}
	if !b.roomAllowed(evt.RoomID.String()) {
		b.logger.Info("ignoring invite to non-allowed room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
		return
	}
	if _, err := b.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		b.logger.Warn("failed to join room", "room", evt.RoomID.String(), "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

// handleMessageEvent filters incoming messages and dispatches commands.
func (b *Bot) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.userID {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(b.started) {
		return
	}
	if b.opts.Events.CheckAndMark(evt.ID.String()) {
		b.logger.Debug("dropping duplicate event", "event_id", evt.ID.String())
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	roomID := evt.RoomID.String()
	if !b.roomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	req := Request{
		RoomID:  roomID,
		Sender:  evt.Sender.String(),
		EventID: evt.ID.String(),
		Body:    content.Body,
	}
	if _, _, isCmd := b.opts.Handler.Parse(req.Body); !isCmd {
		return
	}

	b.logger.Info("received command",
		"room", roomID,
		"sender", req.Sender,
		"content", truncate(req.Body, 50),
	)

	// Commands may run scans; keep the sync loop free.
	go b.process(b.ctx, req)
}

func (b *Bot) process(ctx context.Context, req Request) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("command panicked", "room", req.RoomID, "panic", r)
		}
	}()

	reply, ok := b.opts.Handler.Handle(ctx, req)
	if !ok || reply == "" {
		return
	}
	if err := b.sender.SendMarkdown(ctx, req.RoomID, reply); err != nil {
		b.logger.Error("failed to send reply", "room", req.RoomID, "error", err)
	}
}
