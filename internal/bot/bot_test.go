// ABOUTME: Tests for inbound event filtering before commands are dispatched
// ABOUTME: Points the client at an unreachable homeserver so replies fail fast

package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/cyberintel/internal/dedupe"
)

func newTestBot(t *testing.T, allowed []string) (*Bot, *fakeAuditor) {
	t.Helper()
	auditor := &fakeAuditor{blacklisted: map[string]bool{}}
	events := dedupe.New(time.Minute, 100)
	t.Cleanup(events.Close)

	client, err := NewClient("http://127.0.0.1:1", "@bot:example.org", "token")
	require.NoError(t, err)
	b, err := New(Options{
		Client:       client,
		AllowedRooms: allowed,
		Handler:      NewHandler(HandlerOptions{Audit: auditor}),
		Events:       events,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.ctx = ctx
	b.started = time.Now().Add(-time.Minute)
	return b, auditor
}

func textEvent(eventID, sender, room, body string, ts time.Time) *event.Event {
	return &event.Event{
		ID:        id.EventID(eventID),
		Sender:    id.UserID(sender),
		RoomID:    id.RoomID(room),
		Type:      event.EventMessage,
		Timestamp: ts.UnixMilli(),
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func TestHandleMessageEventFilters(t *testing.T) {
	b, auditor := newTestBot(t, []string{"!allowed:example.org"})
	ctx := context.Background()
	now := time.Now()

	// Each of these is dropped before dispatch.
	b.handleMessageEvent(ctx, textEvent("$own", "@bot:example.org", "!allowed:example.org", "!help", now))
	b.handleMessageEvent(ctx, textEvent("$old", "@u:example.org", "!allowed:example.org", "!help", now.Add(-time.Hour)))
	b.handleMessageEvent(ctx, textEvent("$other", "@u:example.org", "!other:example.org", "!help", now))
	b.handleMessageEvent(ctx, textEvent("$chat", "@u:example.org", "!allowed:example.org", "hello", now))
	notice := textEvent("$notice", "@u:example.org", "!allowed:example.org", "!help", now)
	notice.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgNotice
	b.handleMessageEvent(ctx, notice)

	b.handleMessageEvent(ctx, textEvent("$ok", "@u:example.org", "!allowed:example.org", "!help", now))
	b.handleMessageEvent(ctx, textEvent("$ok", "@u:example.org", "!allowed:example.org", "!help", now))

	require.Eventually(t, func() bool { return len(auditor.actions()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, auditor.actions(), 1)
}

func TestNewRequiresClientAndHandler(t *testing.T) {
	_, err := New(Options{Handler: NewHandler(HandlerOptions{})})
	assert.Error(t, err)

	client, err := NewClient("http://127.0.0.1:1", "@bot:example.org", "token")
	require.NoError(t, err)
	_, err = New(Options{Client: client})
	assert.Error(t, err)
}

func TestRoomAllowed(t *testing.T) {
	open, _ := newTestBot(t, nil)
	assert.True(t, open.roomAllowed("!any:example.org"))

	restricted, _ := newTestBot(t, []string{"!a:example.org"})
	assert.True(t, restricted.roomAllowed("!a:example.org"))
	assert.False(t, restricted.roomAllowed("!b:example.org"))
}
