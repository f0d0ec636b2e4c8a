package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// SessionArchiver uploads finished sessions as JSONL, one object per session.
// The archive is write-only from the bot's perspective; nothing is deleted
// from the primary store.
//
// Object layout:
//
//	sessions/{coin}/{window-end YYYY-MM-DD}/{session-id}.jsonl
//
// The first line is the session record, the second the final position, and
// every following line one trade in insertion order.
type SessionArchiver struct {
	client *Client
}

// NewSessionArchiver creates a SessionArchiver using the given client.
func NewSessionArchiver(client *Client) *SessionArchiver {
	return &SessionArchiver{client: client}
}

// archiveLine is one JSONL record with a kind discriminator.
type archiveLine struct {
	Kind     string                `json:"kind"`
	Session  *domain.MarketSession `json:"session,omitempty"`
	Position *domain.Position      `json:"position,omitempty"`
	Trade    *domain.Trade         `json:"trade,omitempty"`
}

// ArchiveSession serializes one finished session with its position and
// trades and uploads the object.
func (a *SessionArchiver) ArchiveSession(ctx context.Context, sess domain.MarketSession, pos domain.Position, trades []domain.Trade) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	lines := make([]archiveLine, 0, len(trades)+2)
	lines = append(lines,
		archiveLine{Kind: "session", Session: &sess},
		archiveLine{Kind: "position", Position: &pos},
	)
	for i := range trades {
		lines = append(lines, archiveLine{Kind: "trade", Trade: &trades[i]})
	}

	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("s3blob: marshal session %s: %w", sess.ID, err)
		}
	}

	if err := a.client.upload(ctx, sessionPath(sess), &buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive session %s: %w", sess.ID, err)
	}
	return nil
}

func sessionPath(sess domain.MarketSession) string {
	return fmt.Sprintf("sessions/%s/%s/%s.jsonl",
		sess.Coin, sess.WindowEnd.UTC().Format(time.DateOnly), sess.ID)
}
