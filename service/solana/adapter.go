package solana

import (
	"context"

	"github.com/gagliardetto/solana-go"
	addresslookuptable "github.com/gagliardetto/solana-go/programs/address-lookup-table"
	"github.com/gagliardetto/solana-go/rpc"
)

// maxSupportedTransactionVersion is the highest transaction envelope version
// this pipeline understands.
const maxSupportedTransactionVersion = uint64(0)

// RPCClient is an interface for the upstream RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	// GetTransaction fetches a transaction in json encoding. A nil result
	// with a nil error means the node does not (yet) know the signature.
	GetTransaction(ctx context.Context, signature solana.Signature) (*TransactionResult, error)

	// GetAddressLookupTable fetches and decodes a lookup table's address
	// list. A nil slice with a nil error means the table account is missing.
	GetAddressLookupTable(ctx context.Context, address solana.PublicKey) ([]solana.PublicKey, error)

	GetAccountInfoAndContext(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// realRPCClient adapts the actual solana-go RPC client to our RPCClient
// interface.
type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient creates a new RPCClient that wraps the solana-go RPC client.
// For premium RPC endpoints that require API keys, include the key in the URL.
func NewRPCClient(rpcURL string) RPCClient {
	return &realRPCClient{
		client: rpc.New(rpcURL),
	}
}

func (r *realRPCClient) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	return r.client.GetSignaturesForAddressWithOpts(ctx, address, opts)
}

func (r *realRPCClient) GetTransaction(ctx context.Context, signature solana.Signature) (*TransactionResult, error) {
	params := []interface{}{
		signature.String(),
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     rpc.CommitmentConfirmed,
			"maxSupportedTransactionVersion": maxSupportedTransactionVersion,
		},
	}

	// Decoding into **TransactionResult maps a null RPC result to a nil
	// pointer, which callers rely on to detect a not-yet-visible signature.
	var out *TransactionResult
	if err := r.client.RPCCallForInto(ctx, &out, "getTransaction", params); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *realRPCClient) GetAddressLookupTable(ctx context.Context, address solana.PublicKey) ([]solana.PublicKey, error) {
	res, err := r.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil {
		return nil, nil
	}

	state, err := addresslookuptable.DecodeAddressLookupTableState(res.Value.Data.GetBinary())
	if err != nil {
		return nil, err
	}
	return state.Addresses, nil
}

func (r *realRPCClient) GetAccountInfoAndContext(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	return r.client.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
}
