package wire

import (
	"testing"

	"github.com/archivist-project/blockexc/address"
	"github.com/stretchr/testify/require"
)

func TestManifestEnvelopeRoundTrip(t *testing.T) {
	tree, err := address.ComputeCID(address.CodecDatasetRoot, address.HashSHA256, []byte("dataset"))
	require.NoError(t, err)
	origTree, err := address.ComputeCID(address.CodecDatasetRoot, address.HashSHA256, []byte("orig"))
	require.NoError(t, err)

	m := &address.Manifest{
		TreeCID:     tree,
		BlockSize:   65536,
		DatasetSize: 1 << 20,
		Codec:       address.CodecManifest,
		HCodec:      address.HashSHA256,
		Version:     1,
		Filename:    "dataset.bin",
		Mimetype:    "application/octet-stream",
		Erasure: &address.ErasureInfo{
			K:                   10,
			M:                   4,
			OriginalTreeCID:     origTree,
			OriginalDatasetSize: 1 << 19,
			Strategy:            address.StrategyStepped,
			Verification: &address.VerificationInfo{
				VerifyRoot: []byte{0xaa, 0xbb},
				SlotRoots:  [][]byte{{0x01}, {0x02}},
				CellSize:   2048,
				Strategy:   address.StrategyStepped,
			},
		},
	}

	buf, err := EncodeManifest(m)
	require.NoError(t, err)

	decoded, err := DecodeManifest(buf)
	require.NoError(t, err)
	require.True(t, m.Equal(decoded))
}

func TestManifestEnvelopeRoundTripNoErasure(t *testing.T) {
	tree, err := address.ComputeCID(address.CodecDatasetRoot, address.HashSHA256, []byte("dataset2"))
	require.NoError(t, err)

	m := &address.Manifest{
		TreeCID:     tree,
		BlockSize:   65536,
		DatasetSize: 4096,
		Codec:       address.CodecManifest,
		HCodec:      address.HashSHA256,
		Version:     1,
	}

	buf, err := EncodeManifest(m)
	require.NoError(t, err)

	decoded, err := DecodeManifest(buf)
	require.NoError(t, err)
	require.True(t, m.Equal(decoded))
	require.False(t, decoded.HasFilename())
	require.False(t, decoded.HasMimetype())
}
