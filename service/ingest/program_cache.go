package ingest

import (
	"context"
	"fmt"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ProgramInfo describes an on-chain program's interface metadata as seen at
// fetch time. Downstream decoders use it to decide whether they can decode a
// program's instructions.
type ProgramInfo struct {
	ProgramID  string `json:"programId"`
	Owner      string `json:"owner"`
	Executable bool   `json:"executable"`
	DataLen    int    `json:"dataLen"`
	Slot       uint64 `json:"slot"`
}

// AccountInfoFetcher fetches raw account data with its slot context.
type AccountInfoFetcher interface {
	GetAccountInfoAndContext(ctx context.Context, account solanago.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// ProgramInfoCache is a read-through LRU cache of program interface
// metadata. Program accounts change rarely, so entries are kept until
// evicted by capacity.
type ProgramInfoCache struct {
	fetcher AccountInfoFetcher
	cache   *lru.Cache[string, *ProgramInfo]
}

// NewProgramInfoCache creates a cache holding up to size entries.
func NewProgramInfoCache(fetcher AccountInfoFetcher, size int) (*ProgramInfoCache, error) {
	cache, err := lru.New[string, *ProgramInfo](size)
	if err != nil {
		return nil, fmt.Errorf("creating program info cache: %w", err)
	}
	return &ProgramInfoCache{fetcher: fetcher, cache: cache}, nil
}

// Get returns the program's interface metadata, fetching it on a cache miss.
func (c *ProgramInfoCache) Get(ctx context.Context, programID string) (*ProgramInfo, error) {
	if info, ok := c.cache.Get(programID); ok {
		return info, nil
	}

	pubkey, err := solanago.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("invalid program id %q: %w", programID, err)
	}

	res, err := c.fetcher.GetAccountInfoAndContext(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("program account %s not found", programID)
	}

	info := &ProgramInfo{
		ProgramID:  programID,
		Owner:      res.Value.Owner.String(),
		Executable: res.Value.Executable,
		DataLen:    len(res.Value.Data.GetBinary()),
		Slot:       res.RPCContext.Context.Slot,
	}
	c.cache.Add(programID, info)
	return info, nil
}

// Len returns the number of cached entries.
func (c *ProgramInfoCache) Len() int {
	return c.cache.Len()
}
