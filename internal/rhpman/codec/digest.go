package codec

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// rawCodecDagCBOR is the multicodec used when building a CID over a
// DataItem's raw payload bytes; 0x71 is dag-cbor, the multiformats
// code used throughout the ipfs/go-cid ecosystem for opaque binary
// records.
const rawCodecDagCBOR = 0x71

// ItemDigest returns the blake3 digest of an item's payload. The
// engine's duplicate suppression does not use it: that check keys on
// the envelope MessageID alone.
func ItemDigest(payload []byte) [32]byte {
	return blake3.Sum256(payload)
}

// PayloadCID derives a content identifier for raw payload bytes from
// their blake3 digest, letting external tooling address stored items
// the same way any other content-addressed multiformats object is
// addressed.
func PayloadCID(payload []byte) (cid.Cid, error) {
	digest := ItemDigest(payload)
	mhash, err := mh.Encode(digest[:], mh.BLAKE3)
	if err != nil {
		return cid.Cid{}, err
	}
	return cid.NewCidV1(rawCodecDagCBOR, mhash), nil
}
