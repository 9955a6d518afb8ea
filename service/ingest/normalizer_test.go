package ingest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solsink/solsink/service/solana"
)

// mockChain serves one canned transaction result and lookup tables from a
// map.
type mockChain struct {
	result *solana.TransactionResult
	err    error
	tables map[string][]solanago.PublicKey
}

func (m *mockChain) GetTransaction(ctx context.Context, signature solanago.Signature) (*solana.TransactionResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockChain) GetAddressLookupTable(ctx context.Context, address solanago.PublicKey) ([]solanago.PublicKey, error) {
	return m.tables[address.String()], nil
}

func newTestNormalizer(chain ChainReader) *Normalizer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewNormalizer(chain, nil, logger)
}

func uint32Ptr(v uint32) *uint32 { return &v }
func uint64Ptr(v uint64) *uint64 { return &v }
func int64Ptr(v int64) *int64    { return &v }

// legacyResult builds a complete legacy getTransaction response: one outer
// instruction with a three-deep nested call chain, lamport deltas, and a
// token balance on the second account.
func legacyResult() *solana.TransactionResult {
	return &solana.TransactionResult{
		Slot:      307401811,
		BlockTime: int64Ptr(1725000000),
		Transaction: &solana.WireTransaction{
			Signatures: []string{testSignature},
			Message: solana.Message{
				AccountKeys: []string{staticKeyA, staticKeyB},
				Header: solana.MessageHeader{
					NumRequiredSignatures:       1,
					NumReadonlySignedAccounts:   0,
					NumReadonlyUnsignedAccounts: 1,
				},
				RecentBlockhash: "9zMJLtLoFJcmqVkhmBKXWbtBKX7ULEifefUZydaBcpuS",
				Instructions: []solana.WireInstruction{
					{ProgramIDIndex: 1, Accounts: []uint16{0}, Data: "3Bxs4h24hBtQy9rw"},
				},
			},
		},
		Meta: &solana.TransactionMeta{
			Fee:          2,
			PreBalances:  []uint64{800, 1},
			PostBalances: []uint64{3000000, 1},
			InnerInstructions: []solana.InnerInstructionGroup{
				{Index: 0, Instructions: []solana.WireInstruction{
					{ProgramIDIndex: 1, Data: "", StackHeight: uint32Ptr(2)},
					{ProgramIDIndex: 1, Data: "", StackHeight: uint32Ptr(3)},
					{ProgramIDIndex: 1, Data: "", StackHeight: uint32Ptr(2)},
				}},
			},
			PostTokenBalances: []solana.WireTokenBalance{
				{
					AccountIndex: 1,
					Mint:         loadedR1.String(),
					Owner:        staticKeyA,
					UITokenAmount: solana.UITokenAmount{
						Amount:   "5",
						Decimals: 6,
					},
				},
			},
			LogMessages:          []string{"Program 11111111111111111111111111111111 invoke [1]"},
			ComputeUnitsConsumed: uint64Ptr(4),
		},
	}
}

func TestNormalize_LegacyTransaction(t *testing.T) {
	n := newTestNormalizer(&mockChain{result: legacyResult()})

	tx, err := n.Normalize(context.Background(), testSignature)
	require.NoError(t, err)

	assert.Equal(t, []string{testSignature}, tx.Signatures)
	assert.Equal(t, Uint64(307401811), tx.Slot)
	assert.Equal(t, Uint64(1725000000), tx.BlockTime)
	assert.Equal(t, Uint64(2), tx.Fee)
	assert.Equal(t, Uint64(4), tx.ComputeUnitsConsumed)
	assert.Equal(t, VersionLegacy, tx.Version)
	assert.Nil(t, tx.Err)

	// Fee payer is a writable signer; the program account is readonly.
	require.Len(t, tx.Accounts, 2)
	payer := tx.Accounts[0]
	assert.True(t, payer.IsSigner)
	assert.True(t, payer.IsWritable)
	assert.Equal(t, Uint64(800), payer.PreBalance)
	assert.Equal(t, Uint64(3000000), payer.PostBalance)

	program := tx.Accounts[1]
	assert.False(t, program.IsSigner)
	assert.False(t, program.IsWritable)
	require.NotNil(t, program.PostTokenBalance)
	assert.Equal(t, Uint64(5), program.PostTokenBalance.Amount)
	assert.Nil(t, program.PreTokenBalance)

	// The nested call chain flattens in execution order behind its outer
	// instruction.
	heights := make([]uint32, len(tx.Instructions))
	for i, ins := range tx.Instructions {
		heights[i] = ins.StackHeight
	}
	assert.Equal(t, []uint32{1, 2, 3, 2}, heights)

	// The result must round-trip through the strict codec untouched.
	data, err := Marshal(tx)
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, tx, back)
}

func TestNormalize_VersionedTransaction(t *testing.T) {
	version := solana.TransactionVersion(0)
	result := &solana.TransactionResult{
		Slot:      307401812,
		BlockTime: int64Ptr(1725000060),
		Version:   &version,
		Transaction: &solana.WireTransaction{
			Signatures: []string{testSignature},
			Message: solana.Message{
				AccountKeys: []string{staticKeyA},
				Header: solana.MessageHeader{
					NumRequiredSignatures: 1,
				},
				RecentBlockhash: "9zMJLtLoFJcmqVkhmBKXWbtBKX7ULEifefUZydaBcpuS",
				Instructions: []solana.WireInstruction{
					{ProgramIDIndex: 2, Accounts: []uint16{0, 1}, Data: "3Bxs4h24hBtQy9rw"},
				},
				AddressTableLookups: []solana.AddressTableLookup{
					{AccountKey: tableOne, WritableIndexes: []uint8{0}, ReadonlyIndexes: []uint8{1}},
				},
			},
		},
		Meta: &solana.TransactionMeta{
			Fee:          5000,
			PreBalances:  []uint64{1000000, 500, 1},
			PostBalances: []uint64{990000, 5500, 1},
		},
	}
	chain := &mockChain{
		result: result,
		tables: map[string][]solanago.PublicKey{
			tableOne: {loadedW1, loadedR1},
		},
	}

	tx, err := newTestNormalizer(chain).Normalize(context.Background(), testSignature)
	require.NoError(t, err)

	assert.Equal(t, VersionVersioned, tx.Version)
	require.Len(t, tx.Accounts, 3)
	assert.Equal(t, staticKeyA, tx.Accounts[0].Pubkey)
	assert.Equal(t, loadedW1.String(), tx.Accounts[1].Pubkey)
	assert.Equal(t, loadedR1.String(), tx.Accounts[2].Pubkey)

	// Loaded accounts: writable section is writable, readonly section is not.
	assert.True(t, tx.Accounts[1].IsWritable)
	assert.False(t, tx.Accounts[1].IsSigner)
	assert.False(t, tx.Accounts[2].IsWritable)
}

func TestNormalize_NullResponseIsTransient(t *testing.T) {
	n := newTestNormalizer(&mockChain{result: nil})

	_, err := n.Normalize(context.Background(), testSignature)
	require.ErrorIs(t, err, ErrNullTransactionResponse)
}

func TestNormalize_InvalidSignature(t *testing.T) {
	n := newTestNormalizer(&mockChain{result: legacyResult()})

	_, err := n.Normalize(context.Background(), "not-base58!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid signature")
}

func TestNormalize_FailedTransactionKeepsError(t *testing.T) {
	result := legacyResult()
	result.Meta.Err = []byte(`{"InstructionError":[0,{"Custom":1}]}`)
	n := newTestNormalizer(&mockChain{result: result})

	tx, err := n.Normalize(context.Background(), testSignature)
	require.NoError(t, err)
	require.NotNil(t, tx.Err)
	assert.Contains(t, *tx.Err, "InstructionError")
}

func TestNormalize_StackHeightJumpIsCorrupt(t *testing.T) {
	result := legacyResult()
	result.Meta.InnerInstructions = []solana.InnerInstructionGroup{
		{Index: 0, Instructions: []solana.WireInstruction{
			{ProgramIDIndex: 1, Data: "", StackHeight: uint32Ptr(2)},
			{ProgramIDIndex: 1, Data: "", StackHeight: uint32Ptr(4)}, // 2 -> 4 skips a frame
		}},
	}
	n := newTestNormalizer(&mockChain{result: result})

	_, err := n.Normalize(context.Background(), testSignature)
	var transitionErr *InvalidStackHeightTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, 0, transitionErr.OuterInstructionIndex)
	assert.Equal(t, 1, transitionErr.InnerInstructionIndex)
	assert.Equal(t, uint32(2), transitionErr.PriorStackHeight)
	assert.Equal(t, uint32(4), transitionErr.InnerStackHeight)
}

func TestNormalize_InnerBelowMinimumHeight(t *testing.T) {
	result := legacyResult()
	result.Meta.InnerInstructions = []solana.InnerInstructionGroup{
		{Index: 0, Instructions: []solana.WireInstruction{
			{ProgramIDIndex: 1, Data: "", StackHeight: uint32Ptr(1)},
		}},
	}
	n := newTestNormalizer(&mockChain{result: result})

	_, err := n.Normalize(context.Background(), testSignature)
	var transitionErr *InvalidStackHeightTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, uint32(1), transitionErr.InnerStackHeight)
}

func TestNormalize_MissingInnerHeightIsCorrupt(t *testing.T) {
	result := legacyResult()
	result.Meta.InnerInstructions = []solana.InnerInstructionGroup{
		{Index: 0, Instructions: []solana.WireInstruction{
			{ProgramIDIndex: 1, Data: ""}, // no stackHeight at all
		}},
	}
	n := newTestNormalizer(&mockChain{result: result})

	_, err := n.Normalize(context.Background(), testSignature)
	var transitionErr *InvalidStackHeightTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, uint32(0), transitionErr.InnerStackHeight)
}

func TestNormalize_OuterStackHeightIsCorrupt(t *testing.T) {
	result := legacyResult()
	result.Transaction.Message.Instructions[0].StackHeight = uint32Ptr(1)
	n := newTestNormalizer(&mockChain{result: result})

	_, err := n.Normalize(context.Background(), testSignature)
	var outerErr *OuterInstructionStackHeightError
	require.ErrorAs(t, err, &outerErr)
	assert.Equal(t, 0, outerErr.OuterInstructionIndex)
}

func TestNormalize_RepeatedInnerGroupIsCorrupt(t *testing.T) {
	result := legacyResult()
	result.Meta.InnerInstructions = append(result.Meta.InnerInstructions,
		solana.InnerInstructionGroup{Index: 0})
	n := newTestNormalizer(&mockChain{result: result})

	_, err := n.Normalize(context.Background(), testSignature)
	var repeatErr *RepeatedInnerInstructionGroupError
	require.ErrorAs(t, err, &repeatErr)
	assert.Equal(t, 0, repeatErr.OuterInstructionIndex)
}

func TestNormalize_DuplicateTokenAccountsIsCorrupt(t *testing.T) {
	result := legacyResult()
	result.Meta.PostTokenBalances = append(result.Meta.PostTokenBalances,
		result.Meta.PostTokenBalances[0])
	n := newTestNormalizer(&mockChain{result: result})

	_, err := n.Normalize(context.Background(), testSignature)
	var dupErr *DuplicateTokenAccountsError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "post", dupErr.Side)
	assert.Equal(t, staticKeyB, dupErr.Pubkey)
	assert.Len(t, dupErr.Entries, 2)
}

func TestNormalize_BalanceListMismatch(t *testing.T) {
	result := legacyResult()
	result.Meta.PreBalances = []uint64{800}
	n := newTestNormalizer(&mockChain{result: result})

	_, err := n.Normalize(context.Background(), testSignature)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match")
}
