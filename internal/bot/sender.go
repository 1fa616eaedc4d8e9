// ABOUTME: Outbound message delivery to Matrix rooms
// ABOUTME: Sends Markdown as m.notice with a goldmark-rendered HTML body

package bot

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// sendTimeout bounds one message send.
const sendTimeout = 30 * time.Second

// Sender posts Markdown messages to rooms.
type Sender interface {
	SendMarkdown(ctx context.Context, roomID, md string) error
}

// MatrixSender sends notices through a mautrix client.
type MatrixSender struct {
	client *mautrix.Client
}

// NewMatrixSender wraps client.
func NewMatrixSender(client *mautrix.Client) *MatrixSender {
	return &MatrixSender{client: client}
}

// SendMarkdown sends md as an m.notice. Rendering failures fall back to plain text.
func (s *MatrixSender) SendMarkdown(ctx context.Context, roomID, md string) error {
	content := NoticeContent(md)

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", roomID, err)
	}
	return nil
}

// NoticeContent builds the m.notice content for md.
func NoticeContent(md string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    md,
	}
	if html, err := RenderMarkdown(md); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	return content
}
