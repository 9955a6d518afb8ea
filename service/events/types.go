package events

import (
	"encoding/json"
	"time"
)

// TransactionEvent is published for every newly persisted canonical
// transaction. Downstream event decoders (AMM/vault/proposal handlers)
// subscribe to these rather than polling the store.
type TransactionEvent struct {
	Account      string          `json:"account"`
	Signature    string          `json:"signature"`
	Slot         uint64          `json:"slot"`
	BlockTime    *time.Time      `json:"block_time,omitempty"`
	LogicVersion uint32          `json:"logic_version"`
	Transaction  json.RawMessage `json:"transaction"`
	PublishedAt  time.Time       `json:"published_at"`
}
