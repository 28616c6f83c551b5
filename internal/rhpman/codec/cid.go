package codec

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

// ItemCID exposes a DataItem's payload as a CIDv1 (dag-cbor codec,
// blake3 multihash) so external tooling (block explorers, debugging
// scripts) can address stored items the same way the rest of the
// IPFS-adjacent ecosystem does, without the engine itself depending
// on IPFS machinery for its own duplicate-suppression or storage keys
// — those stay on the plain uint64 DataItem.ID (spec.md §4.A). This
// is purely an inspection aid; nothing in the engine's hot path
// computes or compares CIDs.
func ItemCID(item types.DataItem) (cid.Cid, error) {
	digest := blake3.Sum256(item.Payload)
	mh, err := multihash.Encode(digest[:], multihash.BLAKE3)
	if err != nil {
		return cid.Cid{}, fmt.Errorf("codec: encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}
