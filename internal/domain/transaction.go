package domain

import (
	"time"
)

// Transaction is a single fund movement between two accounts.
// Account identifiers are opaque strings, normalized once at ingestion.
type Transaction struct {
	ID         string    `json:"transaction_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// RowError describes one input row rejected during ingestion.
type RowError struct {
	Line   int    `json:"line"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}
