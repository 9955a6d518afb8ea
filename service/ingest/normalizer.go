package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/solsink/solsink/service/metrics"
	"github.com/solsink/solsink/service/solana"
)

// TransactionFetcher fetches one raw transaction by signature. A nil result
// with a nil error means the node does not (yet) know the signature.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, signature solanago.Signature) (*solana.TransactionResult, error)
}

// ChainReader is the upstream surface the normalizer needs; the RPC gateway
// satisfies it.
type ChainReader interface {
	TransactionFetcher
	LookupTableFetcher
}

// Normalizer turns raw upstream transactions into canonical, validated
// Transaction records. It is a pure function of the upstream response: no
// store access.
type Normalizer struct {
	chain    ChainReader
	resolver *AccountResolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewNormalizer creates a Normalizer reading through the given chain reader.
// If m is nil, no metrics are recorded.
func NewNormalizer(chain ChainReader, m *metrics.Metrics, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		chain:    chain,
		resolver: NewAccountResolver(chain),
		logger:   logger,
		metrics:  m,
	}
}

// Normalize fetches the raw transaction for a signature and produces the
// canonical record. A null upstream response yields
// ErrNullTransactionResponse (transient); every other failure is terminal
// for this signature.
func (n *Normalizer) Normalize(ctx context.Context, signature string) (*Transaction, error) {
	start := time.Now()
	tx, err := n.normalize(ctx, signature)
	duration := time.Since(start).Seconds()

	if n.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		n.metrics.RecordTransactionNormalized(status, duration)
	}
	if err != nil {
		n.logger.ErrorContext(ctx, "failed to normalize transaction",
			"signature", signature,
			"error", err,
		)
		return nil, err
	}

	n.logger.DebugContext(ctx, "normalized transaction",
		"signature", signature,
		"slot", uint64(tx.Slot),
		"instructions", len(tx.Instructions),
		"accounts", len(tx.Accounts),
	)
	return tx, nil
}

func (n *Normalizer) normalize(ctx context.Context, signature string) (*Transaction, error) {
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	result, err := n.chain.GetTransaction(ctx, sig)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w for %s", ErrNullTransactionResponse, signature)
	}
	if result.Transaction == nil || result.Meta == nil {
		return nil, fmt.Errorf("transaction %s response missing body or meta", signature)
	}

	accounts, err := n.resolver.Resolve(ctx, result)
	if err != nil {
		return nil, err
	}

	msg := &result.Transaction.Message
	meta := result.Meta

	preTokens, err := tokenBalancesByAccount(meta.PreTokenBalances, accounts, "pre")
	if err != nil {
		return nil, err
	}
	postTokens, err := tokenBalancesByAccount(meta.PostTokenBalances, accounts, "post")
	if err != nil {
		return nil, err
	}

	instructions, err := flattenInstructions(msg.Instructions, meta.InnerInstructions)
	if err != nil {
		return nil, err
	}

	assembled, err := assembleAccounts(msg, accounts, meta, preTokens, postTokens)
	if err != nil {
		return nil, err
	}

	version := VersionLegacy
	if result.ResolvedVersion() != solana.VersionLegacy {
		version = VersionVersioned
	}

	var blockTime Uint64
	if result.BlockTime != nil && *result.BlockTime > 0 {
		blockTime = Uint64(*result.BlockTime)
	}

	var computeUnits Uint64
	if meta.ComputeUnitsConsumed != nil {
		computeUnits = Uint64(*meta.ComputeUnitsConsumed)
	}

	tx := &Transaction{
		Signatures:           append([]string(nil), result.Transaction.Signatures...),
		Slot:                 Uint64(result.Slot),
		BlockTime:            blockTime,
		RecentBlockhash:      msg.RecentBlockhash,
		ComputeUnitsConsumed: computeUnits,
		Fee:                  Uint64(meta.Fee),
		Err:                  meta.ErrString(),
		Version:              version,
		LogMessages:          append([]string(nil), meta.LogMessages...),
		Accounts:             assembled,
		Instructions:         instructions,
	}

	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// tokenBalancesByAccount indexes token balance entries by account index,
// rejecting duplicates. Side is "pre" or "post" for error context.
func tokenBalancesByAccount(entries []solana.WireTokenBalance, accounts []string, side string) (map[uint16]TokenBalance, error) {
	grouped := make(map[uint16][]TokenBalance)
	for _, e := range entries {
		amount, err := strconv.ParseUint(e.UITokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s token balance for account index %d has non-integer amount %q: %w",
				side, e.AccountIndex, e.UITokenAmount.Amount, err)
		}
		grouped[e.AccountIndex] = append(grouped[e.AccountIndex], TokenBalance{
			Mint:     e.Mint,
			Owner:    e.Owner,
			Amount:   Uint64(amount),
			Decimals: e.UITokenAmount.Decimals,
		})
	}

	out := make(map[uint16]TokenBalance, len(grouped))
	for idx, balances := range grouped {
		if len(balances) > 1 {
			pubkey := fmt.Sprintf("index %d", idx)
			if int(idx) < len(accounts) {
				pubkey = accounts[idx]
			}
			return nil, &DuplicateTokenAccountsError{Side: side, Pubkey: pubkey, Entries: balances}
		}
		out[idx] = balances[0]
	}
	return out, nil
}

// flattenInstructions produces the canonical instruction order: each outer
// instruction (height 1) followed immediately by its nested instructions in
// execution order, with stack-height transitions checked frame by frame.
func flattenInstructions(outer []solana.WireInstruction, inner []solana.InnerInstructionGroup) ([]Instruction, error) {
	groups := make(map[int][]solana.WireInstruction, len(inner))
	for _, grp := range inner {
		if _, dup := groups[int(grp.Index)]; dup {
			return nil, &RepeatedInnerInstructionGroupError{OuterInstructionIndex: int(grp.Index)}
		}
		groups[int(grp.Index)] = grp.Instructions
	}

	var out []Instruction
	for outerIdx, ins := range outer {
		if ins.StackHeight != nil {
			return nil, &OuterInstructionStackHeightError{
				OuterInstructionIndex: outerIdx,
				StackHeight:           *ins.StackHeight,
			}
		}
		flat, err := toInstruction(ins, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, flat)

		current := uint32(1)
		for innerIdx, nested := range groups[outerIdx] {
			var height uint32
			if nested.StackHeight != nil {
				height = *nested.StackHeight
			}
			// A frame may only descend one level at a time; returning to a
			// shallower frame by any amount is fine.
			if height < 2 || height > current+1 {
				return nil, &InvalidStackHeightTransitionError{
					OuterInstructionIndex: outerIdx,
					InnerInstructionIndex: innerIdx,
					PriorStackHeight:      current,
					InnerStackHeight:      height,
				}
			}
			flat, err := toInstruction(nested, height)
			if err != nil {
				return nil, err
			}
			out = append(out, flat)
			current = height
		}
	}
	return out, nil
}

func toInstruction(ins solana.WireInstruction, height uint32) (Instruction, error) {
	var data []byte
	if ins.Data != "" {
		var err error
		data, err = base58.Decode(ins.Data)
		if err != nil {
			return Instruction{}, fmt.Errorf("instruction data is not base58: %w", err)
		}
	}
	return Instruction{
		StackHeight:    height,
		ProgramIndex:   ins.ProgramIDIndex,
		Data:           data,
		AccountIndices: append([]uint16(nil), ins.Accounts...),
	}, nil
}

// assembleAccounts builds the per-account records: signer/writable flags
// from the message header and lookup split, lamport balances from meta, and
// matched token balances.
func assembleAccounts(
	msg *solana.Message,
	accounts []string,
	meta *solana.TransactionMeta,
	preTokens, postTokens map[uint16]TokenBalance,
) ([]Account, error) {
	if len(meta.PreBalances) != len(accounts) || len(meta.PostBalances) != len(accounts) {
		return nil, fmt.Errorf("balance lists (%d pre, %d post) do not match %d resolved accounts",
			len(meta.PreBalances), len(meta.PostBalances), len(accounts))
	}

	numStatic := len(msg.AccountKeys)
	numSigners := int(msg.Header.NumRequiredSignatures)
	numReadonlySigned := int(msg.Header.NumReadonlySignedAccounts)
	numReadonlyUnsigned := int(msg.Header.NumReadonlyUnsignedAccounts)

	numLoadedWritable := 0
	for _, lookup := range msg.AddressTableLookups {
		numLoadedWritable += len(lookup.WritableIndexes)
	}

	out := make([]Account, len(accounts))
	for i, pubkey := range accounts {
		var isWritable bool
		switch {
		case i < numSigners:
			isWritable = i < numSigners-numReadonlySigned
		case i < numStatic:
			isWritable = i < numStatic-numReadonlyUnsigned
		default:
			// Loaded accounts: writable section first, then readonly.
			isWritable = i-numStatic < numLoadedWritable
		}

		acct := Account{
			Pubkey:      pubkey,
			IsSigner:    i < numSigners,
			IsWritable:  isWritable,
			PreBalance:  Uint64(meta.PreBalances[i]),
			PostBalance: Uint64(meta.PostBalances[i]),
		}
		if tb, ok := preTokens[uint16(i)]; ok {
			balance := tb
			acct.PreTokenBalance = &balance
		}
		if tb, ok := postTokens[uint16(i)]; ok {
			balance := tb
			acct.PostTokenBalance = &balance
		}
		out[i] = acct
	}
	return out, nil
}
