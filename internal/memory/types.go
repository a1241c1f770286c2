package memory

import (
	"context"
	"time"
)

// ExchangeRecord stores one completed transcript/response pair for a session.
type ExchangeRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	Transcript string    `json:"transcript"`
	Response   string    `json:"response"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists completed exchanges so session context survives restarts.
type Store interface {
	SaveExchange(ctx context.Context, record ExchangeRecord) error
	RecentExchanges(ctx context.Context, sessionID string, limit int) ([]ExchangeRecord, error)
	Close() error
}
