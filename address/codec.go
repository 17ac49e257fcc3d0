// Package address implements CID construction and parsing, the dual-mode
// BlockAddress union (direct CID vs tree-leaf), and the dataset Manifest
// model that threads through the store, wire codec and exchange engine.
package address

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Codec is the multicodec used to tag a CID's payload. Only the subset
// relevant to the Archivist protocol is enumerated here (spec.md §6).
type Codec uint64

const (
	// CodecRaw tags a CID over raw block data.
	CodecRaw Codec = 0xcd02
	// CodecManifest tags a CID over a protobuf-encoded manifest envelope.
	CodecManifest Codec = 0xcd01
	// CodecDatasetRoot tags the root of a dataset's merkle tree.
	CodecDatasetRoot Codec = 0xcd03
	// CodecSlotRoot tags the root of a single erasure-coded slot.
	CodecSlotRoot Codec = 0xcd04
)

// Hash codes used by the protocol.
const (
	HashSHA256    = multihash.SHA2_256
	HashPoseidon2 = 0xcd10
)

// ErrMalformedCid is returned for truncated bytes, an unsupported version,
// or a multihash whose declared length doesn't match its digest. An unknown
// codec gives ErrUnsupportedCodec instead.
var ErrMalformedCid = errors.New("address: malformed cid")

// ErrUnsupportedCodec is returned when a CID's codec is not one of the
// normative codecs in spec.md §6.
var ErrUnsupportedCodec = errors.New("address: unsupported codec")

// ErrUnsupportedHash is returned by ComputeCID/VerifyCID when no Hasher is
// registered for a multihash code.
var ErrUnsupportedHash = errors.New("address: unsupported hash code")

// knownCodecs is the normative subset of multicodecs this node accepts on
// CIDs it parses from the wire.
var knownCodecs = map[uint64]struct{}{
	uint64(CodecRaw):         {},
	uint64(CodecManifest):    {},
	uint64(CodecDatasetRoot): {},
	uint64(CodecSlotRoot):    {},
}

// Hasher computes the digest used to derive a CID's multihash for a given
// hash code. SHA-256 is built in; Poseidon2 (sponge, used over merkle leaves
// for zk-friendly proofs) is out of scope for this core per spec.md §1 and
// must be supplied by an external registrant via RegisterHasher.
type Hasher func(data []byte) ([]byte, error)

var hashers = map[uint64]Hasher{
	HashSHA256: sha256Hasher,
}

// RegisterHasher installs a Hasher for a multihash code not built in (e.g.
// Poseidon2). It is not safe to call concurrently with ComputeCID/VerifyCID.
func RegisterHasher(code uint64, h Hasher) {
	hashers[code] = h
}

// ComputeCID derives the CID of data under the given codec and hash code.
func ComputeCID(codec Codec, hashCode uint64, data []byte) (cid.Cid, error) {
	if _, ok := knownCodecs[uint64(codec)]; !ok {
		return cid.Undef, fmt.Errorf("%w: 0x%x", ErrUnsupportedCodec, codec)
	}
	h, ok := hashers[hashCode]
	if !ok {
		return cid.Undef, fmt.Errorf("%w: 0x%x", ErrUnsupportedHash, hashCode)
	}
	digest, err := h(data)
	if err != nil {
		return cid.Undef, err
	}
	mh, err := multihash.Encode(digest, hashCode)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrMalformedCid, err)
	}
	return cid.NewCidV1(uint64(codec), mh), nil
}

// VerifyCID reports whether data hashes to the digest embedded in c's
// multihash (spec.md global invariant 1).
func VerifyCID(c cid.Cid, data []byte) (bool, error) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedCid, err)
	}
	h, ok := hashers[decoded.Code]
	if !ok {
		return false, fmt.Errorf("%w: 0x%x", ErrUnsupportedHash, decoded.Code)
	}
	digest, err := h(data)
	if err != nil {
		return false, err
	}
	if len(digest) != len(decoded.Digest) {
		return false, nil
	}
	for i := range digest {
		if digest[i] != decoded.Digest[i] {
			return false, nil
		}
	}
	return true, nil
}

// EncodeDisplay renders c in base32, the encoding CLI output and logs use
// so CIDs are comparable by eye across a terminal without any ambiguous
// base64 padding. This is a display form only, never the CID's identity
// (spec.md §3): the multihash digest, not this string, is what the
// protocol compares.
func EncodeDisplay(c cid.Cid) (string, error) {
	enc, err := multibase.NewEncoder(multibase.Base32)
	if err != nil {
		return "", err
	}
	return c.Encode(enc), nil
}

// ParseCIDBytes decodes a CID from its wire representation, validating
// version, codec and multihash framing. It never panics.
func ParseCIDBytes(b []byte) (cid.Cid, error) {
	if len(b) == 0 {
		return cid.Undef, ErrMalformedCid
	}
	c, err := cid.Cast(b)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrMalformedCid, err)
	}
	if c.Version() != 1 {
		return cid.Undef, fmt.Errorf("%w: version %d", ErrMalformedCid, c.Version())
	}
	if _, ok := knownCodecs[c.Type()]; !ok {
		return cid.Undef, fmt.Errorf("%w: 0x%x", ErrUnsupportedCodec, c.Type())
	}
	if _, err := multihash.Decode(c.Hash()); err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrMalformedCid, err)
	}
	return c, nil
}
