package ingest

import (
	"context"
	"fmt"

	solanago "github.com/gagliardetto/solana-go"

	"github.com/solsink/solsink/service/solana"
)

// LookupTableFetcher fetches the resolved address list for an on-chain
// lookup table. A nil slice with a nil error means the table is missing.
type LookupTableFetcher interface {
	GetAddressLookupTable(ctx context.Context, address solanago.PublicKey) ([]solanago.PublicKey, error)
}

// AccountResolver resolves the full ordered account-key list a transaction
// references, including accounts reachable only through lookup tables.
type AccountResolver struct {
	tables LookupTableFetcher
}

// NewAccountResolver creates a resolver that fetches lookup tables through
// the given fetcher (normally the RPC gateway).
func NewAccountResolver(tables LookupTableFetcher) *AccountResolver {
	return &AccountResolver{tables: tables}
}

// Resolve returns the ordered account keys for a raw transaction: static
// keys first, then writable and readonly keys loaded from each declared
// lookup table in declaration order.
func (r *AccountResolver) Resolve(ctx context.Context, result *solana.TransactionResult) ([]string, error) {
	if result.Transaction == nil {
		return nil, fmt.Errorf("transaction result has no transaction body")
	}
	msg := &result.Transaction.Message

	switch version := result.ResolvedVersion(); version {
	case solana.VersionLegacy:
		if len(msg.AddressTableLookups) > 0 {
			lookups := make([]string, len(msg.AddressTableLookups))
			for i, lu := range msg.AddressTableLookups {
				lookups[i] = lu.AccountKey
			}
			return nil, &AddressTableLookupsInLegacyError{Lookups: lookups}
		}
		return append([]string(nil), msg.AccountKeys...), nil

	case 0:
		return r.resolveV0(ctx, msg)

	default:
		return nil, &UnsupportedTransactionVersionError{Version: version.String()}
	}
}

func (r *AccountResolver) resolveV0(ctx context.Context, msg *solana.Message) ([]string, error) {
	keys := append([]string(nil), msg.AccountKeys...)

	// The runtime orders loaded accounts as all writable keys across tables
	// followed by all readonly keys, each in table declaration order.
	var writable, readonly []string
	for _, lookup := range msg.AddressTableLookups {
		tableAddr, err := solanago.PublicKeyFromBase58(lookup.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("invalid lookup table address %q: %w", lookup.AccountKey, err)
		}

		addresses, err := r.tables.GetAddressLookupTable(ctx, tableAddr)
		if err != nil {
			return nil, fmt.Errorf("fetching lookup table %s: %w", lookup.AccountKey, err)
		}
		if addresses == nil {
			return nil, &MissingLookupTableResponseError{AccountKey: lookup.AccountKey}
		}

		for _, idx := range lookup.WritableIndexes {
			if int(idx) >= len(addresses) {
				return nil, fmt.Errorf("lookup table %s writable index %d out of range (%d addresses)",
					lookup.AccountKey, idx, len(addresses))
			}
			writable = append(writable, addresses[idx].String())
		}
		for _, idx := range lookup.ReadonlyIndexes {
			if int(idx) >= len(addresses) {
				return nil, fmt.Errorf("lookup table %s readonly index %d out of range (%d addresses)",
					lookup.AccountKey, idx, len(addresses))
			}
			readonly = append(readonly, addresses[idx].String())
		}
	}

	keys = append(keys, writable...)
	keys = append(keys, readonly...)
	return keys, nil
}
