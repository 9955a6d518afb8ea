package ingest

import (
	"context"
	"errors"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAccountInfoFetcher struct {
	results map[string]*rpc.GetAccountInfoResult
	err     error
	calls   int
}

func (m *mockAccountInfoFetcher) GetAccountInfoAndContext(ctx context.Context, account solanago.PublicKey) (*rpc.GetAccountInfoResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.results[account.String()], nil
}

func programAccountResult(owner solanago.PublicKey, dataLen int, slot uint64) *rpc.GetAccountInfoResult {
	return &rpc.GetAccountInfoResult{
		RPCContext: rpc.RPCContext{Context: rpc.Context{Slot: slot}},
		Value: &rpc.Account{
			Owner:      owner,
			Executable: true,
			Data:       rpc.DataBytesOrJSONFromBytes(make([]byte, dataLen)),
		},
	}
}

func TestProgramInfoCache_ReadThrough(t *testing.T) {
	programID := "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	owner := solanago.MustPublicKeyFromBase58("BPFLoader2111111111111111111111111111111111")
	fetcher := &mockAccountInfoFetcher{results: map[string]*rpc.GetAccountInfoResult{
		programID: programAccountResult(owner, 36, 500),
	}}

	cache, err := NewProgramInfoCache(fetcher, 8)
	require.NoError(t, err)

	info, err := cache.Get(context.Background(), programID)
	require.NoError(t, err)
	assert.Equal(t, programID, info.ProgramID)
	assert.Equal(t, owner.String(), info.Owner)
	assert.True(t, info.Executable)
	assert.Equal(t, 36, info.DataLen)
	assert.Equal(t, uint64(500), info.Slot)
	assert.Equal(t, 1, fetcher.calls)

	// Second lookup hits the cache, not the chain.
	again, err := cache.Get(context.Background(), programID)
	require.NoError(t, err)
	assert.Equal(t, info, again)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, 1, cache.Len())
}

func TestProgramInfoCache_MissingAccount(t *testing.T) {
	cache, err := NewProgramInfoCache(&mockAccountInfoFetcher{}, 8)
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestProgramInfoCache_InvalidProgramID(t *testing.T) {
	cache, err := NewProgramInfoCache(&mockAccountInfoFetcher{}, 8)
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "not-a-pubkey")
	require.Error(t, err)
}

func TestProgramInfoCache_FetchErrorNotCached(t *testing.T) {
	fetcher := &mockAccountInfoFetcher{err: errors.New("503 service unavailable")}
	cache, err := NewProgramInfoCache(fetcher, 8)
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len())

	// The fetcher recovers; the next Get tries again.
	fetcher.err = nil
	fetcher.results = map[string]*rpc.GetAccountInfoResult{
		"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA": programAccountResult(
			solanago.MustPublicKeyFromBase58("BPFLoader2111111111111111111111111111111111"), 10, 7),
	}
	_, err = cache.Get(context.Background(), "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestProgramInfoCache_EvictsAtCapacity(t *testing.T) {
	owner := solanago.MustPublicKeyFromBase58("BPFLoader2111111111111111111111111111111111")
	ids := []string{
		"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
		"So11111111111111111111111111111111111111112",
		"Vote111111111111111111111111111111111111111",
	}
	results := make(map[string]*rpc.GetAccountInfoResult, len(ids))
	for _, id := range ids {
		results[id] = programAccountResult(owner, 1, 1)
	}
	fetcher := &mockAccountInfoFetcher{results: results}

	cache, err := NewProgramInfoCache(fetcher, 2)
	require.NoError(t, err)

	for _, id := range ids {
		_, err := cache.Get(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Len())

	// The oldest entry was evicted and refetches on the next Get.
	_, err = cache.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, 4, fetcher.calls)
}
