package wire

import (
	"testing"

	"github.com/archivist-project/blockexc/address"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTripWantlist(t *testing.T) {
	c1, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, []byte("a"))
	require.NoError(t, err)
	tree, err := address.ComputeCID(address.CodecDatasetRoot, address.HashSHA256, []byte("tree"))
	require.NoError(t, err)

	m := &Message{
		Wantlist: &Wantlist{
			Full: true,
			Entries: []WantlistEntry{
				{Address: address.Direct(c1), Priority: 5, WantType: WantHave, SendDontHave: true},
				{Address: address.TreeLeaf(tree, 3), Cancel: true},
			},
		},
		PendingBytes: 1024,
	}

	buf := m.Marshal()
	decoded, err := Unmarshal(buf)
	require.NoError(t, err)

	require.NotNil(t, decoded.Wantlist)
	require.True(t, decoded.Wantlist.Full)
	require.Len(t, decoded.Wantlist.Entries, 2)
	require.True(t, decoded.Wantlist.Entries[0].Address.Equal(address.Direct(c1)))
	require.Equal(t, int32(5), decoded.Wantlist.Entries[0].Priority)
	require.Equal(t, WantHave, decoded.Wantlist.Entries[0].WantType)
	require.True(t, decoded.Wantlist.Entries[0].SendDontHave)
	require.True(t, decoded.Wantlist.Entries[1].Address.Equal(address.TreeLeaf(tree, 3)))
	require.True(t, decoded.Wantlist.Entries[1].Cancel)
	require.Equal(t, int32(1024), decoded.PendingBytes)
}

func TestMessageRoundTripPayloadAndPresence(t *testing.T) {
	data := []byte("block payload")
	c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, data)
	require.NoError(t, err)
	tree, err := address.ComputeCID(address.CodecDatasetRoot, address.HashSHA256, []byte("tree"))
	require.NoError(t, err)

	proof := &address.Proof{
		MCodec:  0x12,
		Index:   2,
		NLeaves: 8,
		Path: []address.ProofNode{
			{Hash: []byte{1, 2, 3}},
			{Hash: []byte{4, 5, 6}},
		},
	}

	m := &Message{
		Payload: []BlockDelivery{
			{Cid: c, Data: data, Address: address.TreeLeaf(tree, 2), Proof: proof},
		},
		Presences: []BlockPresence{
			{Address: address.Direct(c), Kind: Have, Price: []byte{0x01, 0x00}},
			{Address: address.TreeLeaf(tree, 9), Kind: DontHave},
		},
		Account: []byte("acct-opaque"),
		Payment: []byte("payment-opaque"),
	}

	buf := m.Marshal()
	decoded, err := Unmarshal(buf)
	require.NoError(t, err)

	require.Len(t, decoded.Payload, 1)
	require.True(t, decoded.Payload[0].Cid.Equals(c))
	require.Equal(t, data, decoded.Payload[0].Data)
	require.True(t, decoded.Payload[0].Address.Equal(address.TreeLeaf(tree, 2)))
	require.NotNil(t, decoded.Payload[0].Proof)
	require.Equal(t, uint64(0x12), decoded.Payload[0].Proof.MCodec)
	require.Equal(t, uint64(2), decoded.Payload[0].Proof.Index)
	require.Equal(t, uint64(8), decoded.Payload[0].Proof.NLeaves)
	require.Len(t, decoded.Payload[0].Proof.Path, 2)
	require.Equal(t, []byte{1, 2, 3}, decoded.Payload[0].Proof.Path[0].Hash)

	require.Len(t, decoded.Presences, 2)
	require.Equal(t, Have, decoded.Presences[0].Kind)
	require.Equal(t, []byte{0x01, 0x00}, decoded.Presences[0].Price)
	require.Equal(t, DontHave, decoded.Presences[1].Kind)

	require.Equal(t, []byte("acct-opaque"), decoded.Account)
	require.Equal(t, []byte("payment-opaque"), decoded.Payment)
}

func TestMessageNegativePendingBytesClamped(t *testing.T) {
	m := &Message{PendingBytes: -50}
	buf := m.Marshal()

	decoded, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, int32(0), decoded.PendingBytes)
}

func TestUnmarshalPreservesUnknownFields(t *testing.T) {
	c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, []byte("x"))
	require.NoError(t, err)

	var dst []byte
	dst = appendBytesField(dst, fieldMessageAccount, []byte("acct"))
	dst = appendVarintField(dst, 42, 7)
	dst = appendBytesField(dst, 43, []byte("future extension"))
	dst = appendBytesField(dst, fieldMessagePresences, marshalPresence(BlockPresence{
		Address: address.Direct(c), Kind: Have,
	}))

	m, err := Unmarshal(dst)
	require.NoError(t, err)
	require.Equal(t, []byte("acct"), m.Account)
	require.Len(t, m.Presences, 1)

	// Unknown fields 42 and 43 are preserved, not dropped, so a relay of
	// this message carries them forward.
	var want []byte
	want = appendVarintField(want, 42, 7)
	want = appendBytesField(want, 43, []byte("future extension"))
	require.Equal(t, want, m.Unrecognized)

	reencoded := m.Marshal()
	roundTripped, err := Unmarshal(reencoded)
	require.NoError(t, err)
	require.Equal(t, m.Unrecognized, roundTripped.Unrecognized)
	require.Equal(t, []byte("acct"), roundTripped.Account)
}

func TestUnmarshalTruncatedReturnsDecodeError(t *testing.T) {
	_, err := Unmarshal([]byte{0x08})
	require.Error(t, err)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
}

func TestEmptyMessageRoundTrip(t *testing.T) {
	m := &Message{}
	buf := m.Marshal()
	require.Empty(t, buf)

	decoded, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Nil(t, decoded.Wantlist)
	require.Empty(t, decoded.Payload)
	require.Empty(t, decoded.Presences)
}
