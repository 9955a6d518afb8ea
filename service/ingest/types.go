package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LogicVersion is the current normalization logic version. Transactions
// stored under an older version are re-derived the next time a watcher
// touches them, and watchers persisted under an older version are reset.
const LogicVersion uint32 = 1

// Transaction envelope versions.
const (
	VersionLegacy    = "legacy"
	VersionVersioned = "versioned"
)

// bigintPrefix marks a u64 ledger quantity serialized as a decimal string.
// Native JSON numbers round-trip through float64 in most consumers, which
// silently corrupts values above 2^53; ledger data cannot tolerate that.
const bigintPrefix = "BIGINT:"

// Uint64 is an unsigned 64-bit ledger quantity. It serializes as
// "BIGINT:<decimal digits>" and rejects every other representation.
type Uint64 uint64

func (u Uint64) MarshalJSON() ([]byte, error) {
	return []byte(`"` + bigintPrefix + strconv.FormatUint(uint64(u), 10) + `"`), nil
}

func (u *Uint64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("ledger quantity must be a %s<digits> string, got %s", bigintPrefix, data)
	}
	digits, ok := strings.CutPrefix(s, bigintPrefix)
	if !ok {
		return fmt.Errorf("ledger quantity %q missing %s prefix", s, bigintPrefix)
	}
	if digits == "" {
		return fmt.Errorf("ledger quantity %q has no digits", s)
	}
	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return fmt.Errorf("ledger quantity %q is not an unsigned 64-bit integer: %w", s, err)
	}
	*u = Uint64(v)
	return nil
}

// TokenBalance is a token holding snapshot for one account.
type TokenBalance struct {
	Mint     string `json:"mint"`
	Owner    string `json:"owner"`
	Amount   Uint64 `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// Account is one account referenced by a transaction, with its balance
// deltas.
type Account struct {
	Pubkey           string        `json:"pubkey"`
	IsSigner         bool          `json:"isSigner"`
	IsWritable       bool          `json:"isWritable"`
	PreBalance       Uint64        `json:"preBalance"`
	PostBalance      Uint64        `json:"postBalance"`
	PreTokenBalance  *TokenBalance `json:"preTokenBalance,omitempty"`
	PostTokenBalance *TokenBalance `json:"postTokenBalance,omitempty"`
}

// Instruction is one flattened instruction. Outer instructions carry
// StackHeight 1; nested instructions carry their call depth and follow their
// outer instruction in execution order.
type Instruction struct {
	StackHeight    uint32   `json:"stackHeight"`
	ProgramIndex   uint16   `json:"programIndex"`
	Data           []byte   `json:"data"`
	AccountIndices []uint16 `json:"accountIndices"`
}

// Transaction is the canonical, validated transaction record this pipeline
// produces. It is immutable once persisted except for re-derivation when
// LogicVersion increments.
type Transaction struct {
	Signatures           []string      `json:"signatures"`
	Slot                 Uint64        `json:"slot"`
	BlockTime            Uint64        `json:"blockTime"`
	RecentBlockhash      string        `json:"recentBlockhash"`
	ComputeUnitsConsumed Uint64        `json:"computeUnitsConsumed"`
	Fee                  Uint64        `json:"fee"`
	Err                  *string       `json:"err,omitempty"`
	Version              string        `json:"version"`
	LogMessages          []string      `json:"logMessages"`
	Accounts             []Account     `json:"accounts"`
	Instructions         []Instruction `json:"instructions"`
}

// Signature returns the transaction's primary (fee payer) signature.
func (t *Transaction) Signature() string {
	if len(t.Signatures) == 0 {
		return ""
	}
	return t.Signatures[0]
}

// Marshal serializes a canonical transaction to its wire form.
func Marshal(tx *Transaction) ([]byte, error) {
	return json.Marshal(tx)
}

// Unmarshal deserializes and strictly validates a canonical transaction.
// Unknown fields and schema violations are rejected with a
// SchemaValidationError.
func Unmarshal(data []byte) (*Transaction, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var tx Transaction
	if err := dec.Decode(&tx); err != nil {
		return nil, &SchemaValidationError{Diagnostics: []string{err.Error()}}
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}
