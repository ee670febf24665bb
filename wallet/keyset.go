package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/crypto"

	"github.com/wavlake/zapwallet/wallet/client"
)

// getMintActiveKeyset fetches the mint's active sat keyset and verifies
// that the keyset id the mint reports matches the id derived from the
// keys it served.
func getMintActiveKeyset(ctx context.Context, c *client.Client, mintURL string) (*crypto.WalletKeyset, error) {
	allKeysets, err := c.GetAllKeysets(ctx, mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %w", err)
	}

	activeKeysets, err := c.GetActiveKeysets(ctx, mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting active keysets from mint: %w", err)
	}

	for i, keyset := range activeKeysets.Keysets {
		if keyset.Unit != cashu.Sat.String() {
			continue
		}
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		var inputFeePpk uint
		for _, ks := range allKeysets.Keysets {
			if ks.Id == keyset.Id {
				inputFeePpk = ks.InputFeePpk
				break
			}
		}

		keys, err := crypto.MapPubKeys(activeKeysets.Keysets[i].Keys)
		if err != nil {
			return nil, err
		}
		id := crypto.DeriveKeysetId(keys)
		if id != keyset.Id {
			return nil, fmt.Errorf("got invalid keyset: derived id '%v' but mint reports '%v'", id, keyset.Id)
		}

		return &crypto.WalletKeyset{
			Id:          id,
			MintURL:     mintURL,
			Unit:        keyset.Unit,
			Active:      true,
			PublicKeys:  keys,
			InputFeePpk: inputFeePpk,
		}, nil
	}

	return nil, errors.New("mint has no active sat keyset")
}
