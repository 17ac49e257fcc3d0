package address

import "github.com/ipfs/go-cid"

// Strategy describes how block indices are grouped into erasure-coded
// iterations.
type Strategy uint32

const (
	// StrategyLinear groups contiguous blocks per iteration.
	StrategyLinear Strategy = iota
	// StrategyStepped interleaves blocks across iterations.
	StrategyStepped
)

// VerificationInfo carries the optional slot-level verification roots used
// by an external zk-proof module. The core treats verify_root/slot_roots as
// opaque bytes.
type VerificationInfo struct {
	VerifyRoot []byte
	SlotRoots  [][]byte
	CellSize   uint32
	Strategy   Strategy
}

// ErasureInfo carries Reed-Solomon parameters. Erasure coding itself is out
// of scope (spec.md §1); only this metadata is modeled.
type ErasureInfo struct {
	K                   uint32
	M                   uint32
	OriginalTreeCID     cid.Cid
	OriginalDatasetSize uint64
	Strategy            Strategy
	Verification        *VerificationInfo
}

// Manifest is the dataset metadata described in spec.md §3: the merkle-tree
// root, block size, and optional erasure/verification parameters.
type Manifest struct {
	TreeCID     cid.Cid
	BlockSize   uint32
	DatasetSize uint64
	Codec       Codec
	HCodec      uint64
	Version     uint32
	Filename    string
	Mimetype    string
	Erasure     *ErasureInfo
}

// HasFilename reports whether an optional filename is set.
func (m *Manifest) HasFilename() bool { return m.Filename != "" }

// HasMimetype reports whether an optional mimetype is set.
func (m *Manifest) HasMimetype() bool { return m.Mimetype != "" }

// NumBlocks computes the number of fixed-size blocks the dataset spans.
func (m *Manifest) NumBlocks() uint64 {
	if m.BlockSize == 0 {
		return 0
	}
	n := m.DatasetSize / uint64(m.BlockSize)
	if m.DatasetSize%uint64(m.BlockSize) != 0 {
		n++
	}
	return n
}

// Equal performs a deep field-by-field comparison, used by the manifest
// round-trip tests (spec.md §8).
func (m *Manifest) Equal(o *Manifest) bool {
	if m == nil || o == nil {
		return m == o
	}
	if !m.TreeCID.Equals(o.TreeCID) || m.BlockSize != o.BlockSize ||
		m.DatasetSize != o.DatasetSize || m.Codec != o.Codec ||
		m.HCodec != o.HCodec || m.Version != o.Version ||
		m.Filename != o.Filename || m.Mimetype != o.Mimetype {
		return false
	}
	if (m.Erasure == nil) != (o.Erasure == nil) {
		return false
	}
	if m.Erasure == nil {
		return true
	}
	a, b := m.Erasure, o.Erasure
	if a.K != b.K || a.M != b.M || !a.OriginalTreeCID.Equals(b.OriginalTreeCID) ||
		a.OriginalDatasetSize != b.OriginalDatasetSize || a.Strategy != b.Strategy {
		return false
	}
	if (a.Verification == nil) != (b.Verification == nil) {
		return false
	}
	if a.Verification == nil {
		return true
	}
	av, bv := a.Verification, b.Verification
	if av.CellSize != bv.CellSize || av.Strategy != bv.Strategy {
		return false
	}
	if string(av.VerifyRoot) != string(bv.VerifyRoot) {
		return false
	}
	if len(av.SlotRoots) != len(bv.SlotRoots) {
		return false
	}
	for i := range av.SlotRoots {
		if string(av.SlotRoots[i]) != string(bv.SlotRoots[i]) {
			return false
		}
	}
	return true
}
