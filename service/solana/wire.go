package solana

import (
	"encoding/json"
	"fmt"
)

// Wire types for the json-encoded getTransaction response.
//
// The typed result in solana-go does not surface per-instruction stack
// heights or distinguish an absent stackHeight from zero, both of which the
// normalizer depends on. The gateway therefore issues getTransaction through
// the client's generic call path and decodes into these structs.

// TransactionVersion is the transaction envelope version: the wire value is
// either the string "legacy" or a number.
type TransactionVersion int

// VersionLegacy marks a legacy (pre-versioned) transaction envelope.
const VersionLegacy TransactionVersion = -1

func (v TransactionVersion) String() string {
	if v == VersionLegacy {
		return "legacy"
	}
	return fmt.Sprintf("%d", int(v))
}

// UnmarshalJSON accepts "legacy", null, or a version number.
func (v *TransactionVersion) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == `"legacy"` || s == "null" {
		*v = VersionLegacy
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid transaction version %s: %w", s, err)
	}
	*v = TransactionVersion(n)
	return nil
}

// MarshalJSON writes "legacy" or the version number.
func (v TransactionVersion) MarshalJSON() ([]byte, error) {
	if v == VersionLegacy {
		return []byte(`"legacy"`), nil
	}
	return json.Marshal(int(v))
}

// TransactionResult is the top-level getTransaction response.
// A null RPC result decodes to a nil *TransactionResult.
type TransactionResult struct {
	Slot        uint64              `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Transaction *WireTransaction    `json:"transaction"`
	Meta        *TransactionMeta    `json:"meta"`
	Version     *TransactionVersion `json:"version"`
}

// ResolvedVersion returns the envelope version, treating an absent version
// field (older nodes never emit one) as legacy.
func (r *TransactionResult) ResolvedVersion() TransactionVersion {
	if r.Version == nil {
		return VersionLegacy
	}
	return *r.Version
}

// WireTransaction is the signed transaction envelope.
type WireTransaction struct {
	Signatures []string `json:"signatures"`
	Message    Message  `json:"message"`
}

// MessageHeader carries the signer/readonly account counts that determine
// per-account signer and writable flags.
type MessageHeader struct {
	NumRequiredSignatures       uint8 `json:"numRequiredSignatures"`
	NumReadonlySignedAccounts   uint8 `json:"numReadonlySignedAccounts"`
	NumReadonlyUnsignedAccounts uint8 `json:"numReadonlyUnsignedAccounts"`
}

// AddressTableLookup references accounts indirectly through an on-chain
// lookup table.
type AddressTableLookup struct {
	AccountKey      string  `json:"accountKey"`
	WritableIndexes []uint8 `json:"writableIndexes"`
	ReadonlyIndexes []uint8 `json:"readonlyIndexes"`
}

// Message is the transaction message body.
type Message struct {
	AccountKeys         []string             `json:"accountKeys"`
	Header              MessageHeader        `json:"header"`
	RecentBlockhash     string               `json:"recentBlockhash"`
	Instructions        []WireInstruction    `json:"instructions"`
	AddressTableLookups []AddressTableLookup `json:"addressTableLookups"`
}

// WireInstruction is a compiled instruction as it appears on the wire.
// StackHeight is nil when the field is absent or null; outer instructions
// never carry one, inner instructions always do.
type WireInstruction struct {
	ProgramIDIndex uint16   `json:"programIdIndex"`
	Accounts       []uint16 `json:"accounts"`
	Data           string   `json:"data"`
	StackHeight    *uint32  `json:"stackHeight"`
}

// InnerInstructionGroup holds the nested instructions spawned by one outer
// instruction, keyed by that instruction's index.
type InnerInstructionGroup struct {
	Index        uint16            `json:"index"`
	Instructions []WireInstruction `json:"instructions"`
}

// WireTokenBalance is a pre/post token balance entry.
type WireTokenBalance struct {
	AccountIndex  uint16        `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// UITokenAmount carries the raw integer amount as a decimal string, which is
// the only representation safe for u64 quantities in JSON.
type UITokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// LoadedAddresses lists the accounts a node resolved from lookup tables.
type LoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

// TransactionMeta is the execution metadata attached to a confirmed
// transaction.
type TransactionMeta struct {
	Err                  json.RawMessage         `json:"err"`
	Fee                  uint64                  `json:"fee"`
	PreBalances          []uint64                `json:"preBalances"`
	PostBalances         []uint64                `json:"postBalances"`
	InnerInstructions    []InnerInstructionGroup `json:"innerInstructions"`
	PreTokenBalances     []WireTokenBalance      `json:"preTokenBalances"`
	PostTokenBalances    []WireTokenBalance      `json:"postTokenBalances"`
	LogMessages          []string                `json:"logMessages"`
	LoadedAddresses      *LoadedAddresses        `json:"loadedAddresses"`
	ComputeUnitsConsumed *uint64                 `json:"computeUnitsConsumed"`
}

// ErrString returns the transaction error rendered as a string, or nil when
// the transaction succeeded.
func (m *TransactionMeta) ErrString() *string {
	if m == nil || len(m.Err) == 0 || string(m.Err) == "null" {
		return nil
	}
	s := string(m.Err)
	return &s
}
