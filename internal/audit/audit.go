package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	Timestamp  time.Time       `json:"timestamp"`
	EventType  string          `json:"event_type"`
	ReferenceID string         `json:"reference_id"`
	StreamerID string          `json:"streamer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	Details    any             `json:"details,omitempty"`
}

// Logger emits structured audit lines for every money movement. Settlement
// and withdrawal paths log through here so ledger changes are traceable
// independently of the request logs.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogSettlement(settlementID, streamerID string, total, settled decimal.Decimal, tipCount int) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "SETTLEMENT",
		ReferenceID: settlementID,
		StreamerID:  streamerID,
		Amount:      settled,
		Status:      "SUCCESS",
		Details: map[string]any{
			"total_tip_amount": total,
			"tip_count":        tipCount,
		},
	})
}

func (a *Logger) LogWithdrawal(traceKey, streamerID, displayName string, amount decimal.Decimal, status string) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   "WITHDRAWAL",
		ReferenceID: traceKey,
		StreamerID:  streamerID,
		Amount:      amount,
		Status:      status,
	}
	if displayName != "" {
		event.Details = map[string]string{"display_name": displayName}
	}
	a.log(event)
}

func (a *Logger) LogError(referenceID, streamerID string, err error) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "ERROR",
		ReferenceID: referenceID,
		StreamerID:  streamerID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
