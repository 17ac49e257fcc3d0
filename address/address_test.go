package address

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestComputeAndVerifyCID(t *testing.T) {
	data := []byte("hello")
	c, err := ComputeCID(CodecRaw, HashSHA256, data)
	require.NoError(t, err)

	ok, err := VerifyCID(c, data)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyCID(c, []byte("other"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseCIDBytesRoundTrip(t *testing.T) {
	c, err := ComputeCID(CodecRaw, HashSHA256, []byte("block data"))
	require.NoError(t, err)

	parsed, err := ParseCIDBytes(c.Bytes())
	require.NoError(t, err)
	require.True(t, c.Equals(parsed))
}

func TestParseCIDBytesMalformed(t *testing.T) {
	_, err := ParseCIDBytes(nil)
	require.ErrorIs(t, err, ErrMalformedCid)

	_, err = ParseCIDBytes([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestDirectAddressResolve(t *testing.T) {
	c, err := ComputeCID(CodecRaw, HashSHA256, []byte("x"))
	require.NoError(t, err)

	a := Direct(c)
	require.False(t, a.IsLeaf())

	resolved, err := a.Resolve(func(tree cid.Cid, idx uint64) (cid.Cid, error) {
		t.Fatal("lookup should not be called for a direct address")
		return cid.Undef, nil
	})
	require.NoError(t, err)
	require.True(t, c.Equals(resolved))
}

func TestTreeLeafAddressResolve(t *testing.T) {
	tree, err := ComputeCID(CodecDatasetRoot, HashSHA256, []byte("tree"))
	require.NoError(t, err)
	leaf, err := ComputeCID(CodecRaw, HashSHA256, []byte("leaf"))
	require.NoError(t, err)

	a := TreeLeaf(tree, 7)
	require.True(t, a.IsLeaf())
	require.Equal(t, uint64(7), a.Index())

	resolved, err := a.Resolve(func(tc cid.Cid, idx uint64) (cid.Cid, error) {
		require.True(t, tree.Equals(tc))
		require.Equal(t, uint64(7), idx)
		return leaf, nil
	})
	require.NoError(t, err)
	require.True(t, leaf.Equals(resolved))
}

func TestTreeLeafAddressResolveUnknown(t *testing.T) {
	tree, err := ComputeCID(CodecDatasetRoot, HashSHA256, []byte("tree"))
	require.NoError(t, err)

	a := TreeLeaf(tree, 3)
	_, err = a.Resolve(func(tc cid.Cid, idx uint64) (cid.Cid, error) {
		return cid.Undef, nil
	})
	require.ErrorIs(t, err, ErrUnknownTreeLeaf)
}
