package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNullTransactionResponse means the RPC node returned a null result for
// the signature, commonly because the transaction is not yet visible to that
// node. Transient: the caller may retry later.
var ErrNullTransactionResponse = errors.New("null transaction response")

// AddressTableLookupsInLegacyError reports a legacy-format transaction that
// declares lookup-table references, which that format cannot carry.
type AddressTableLookupsInLegacyError struct {
	Lookups []string
}

func (e *AddressTableLookupsInLegacyError) Error() string {
	return fmt.Sprintf("legacy transaction declares %d address table lookups: %s",
		len(e.Lookups), strings.Join(e.Lookups, ", "))
}

// MissingLookupTableResponseError reports a lookup table that could not be
// fetched from the chain.
type MissingLookupTableResponseError struct {
	AccountKey string
}

func (e *MissingLookupTableResponseError) Error() string {
	return fmt.Sprintf("lookup table %s returned no account data", e.AccountKey)
}

// UnsupportedTransactionVersionError reports a transaction envelope version
// this pipeline does not understand.
type UnsupportedTransactionVersionError struct {
	Version string
}

func (e *UnsupportedTransactionVersionError) Error() string {
	return fmt.Sprintf("unsupported transaction version %s", e.Version)
}

// DuplicateTokenAccountsError reports an account index appearing more than
// once in a pre or post token balance list. This is an upstream data
// anomaly, never something to silently merge.
type DuplicateTokenAccountsError struct {
	Side    string // "pre" or "post"
	Pubkey  string
	Entries []TokenBalance
}

func (e *DuplicateTokenAccountsError) Error() string {
	return fmt.Sprintf("%s token balances list account %s %d times",
		e.Side, e.Pubkey, len(e.Entries))
}

// OuterInstructionStackHeightError reports an outer instruction carrying an
// explicit stack height on the wire, which signals an unexpected upstream
// shape.
type OuterInstructionStackHeightError struct {
	OuterInstructionIndex int
	StackHeight           uint32
}

func (e *OuterInstructionStackHeightError) Error() string {
	return fmt.Sprintf("outer instruction %d carries explicit stack height %d",
		e.OuterInstructionIndex, e.StackHeight)
}

// RepeatedInnerInstructionGroupError reports two inner-instruction groups
// declaring the same outer instruction index.
type RepeatedInnerInstructionGroupError struct {
	OuterInstructionIndex int
}

func (e *RepeatedInnerInstructionGroupError) Error() string {
	return fmt.Sprintf("inner instruction group for outer index %d repeated",
		e.OuterInstructionIndex)
}

// InvalidStackHeightTransitionError identifies the precise corrupt call
// frame in a nested instruction group: a height that is missing, below 2, or
// more than one deeper than the previous frame.
type InvalidStackHeightTransitionError struct {
	OuterInstructionIndex int
	InnerInstructionIndex int
	PriorStackHeight      uint32
	InnerStackHeight      uint32
}

func (e *InvalidStackHeightTransitionError) Error() string {
	return fmt.Sprintf("invalid stack height transition at outer %d inner %d: %d -> %d",
		e.OuterInstructionIndex, e.InnerInstructionIndex, e.PriorStackHeight, e.InnerStackHeight)
}

// SchemaValidationError reports a canonical transaction that failed strict
// schema validation, with one diagnostic per violation.
type SchemaValidationError struct {
	Diagnostics []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("canonical transaction failed schema validation: %s",
		strings.Join(e.Diagnostics, "; "))
}
