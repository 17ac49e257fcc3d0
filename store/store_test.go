package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	return newStore(ds, Options{})
}

func blockOf(t *testing.T, data []byte) address.Block {
	t.Helper()
	c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, data)
	require.NoError(t, err)
	return address.Block{Cid: c, Data: data}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	blk := blockOf(t, []byte("hello world"))

	res, err := s.Put(ctx, blk, time.Hour)
	require.NoError(t, err)
	require.Equal(t, Inserted, res)

	got, err := s.Get(ctx, blk.Cid)
	require.NoError(t, err)
	require.Equal(t, blk.Data, got.Data)

	has, err := s.Has(ctx, blk.Cid)
	require.NoError(t, err)
	require.True(t, has)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, []byte("nope"))
	require.NoError(t, err)

	_, err = s.Get(context.Background(), c)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutRejectsCidMismatch(t *testing.T) {
	s := newTestStore(t)
	blk := blockOf(t, []byte("a"))
	blk.Data = []byte("tampered")

	_, err := s.Put(context.Background(), blk, time.Hour)
	require.ErrorIs(t, err, ErrCidMismatch)
}

func TestPutRejectsOversizedBlock(t *testing.T) {
	s := newTestStore(t)
	s.maxBlockSize = 4
	blk := blockOf(t, []byte("too big for the cap"))

	_, err := s.Put(context.Background(), blk, time.Hour)
	require.ErrorIs(t, err, ErrBlockTooLarge)
}

func TestDuplicateConcurrentPutsFireHookOnce(t *testing.T) {
	s := newTestStore(t)
	blk := blockOf(t, []byte("concurrent payload"))

	var mu sync.Mutex
	fired := 0
	notify := make(chan struct{}, 8)
	s.SetInsertHook(func(c cid.Cid) {
		mu.Lock()
		fired++
		mu.Unlock()
		notify <- struct{}{}
	})

	const n = 8
	var wg sync.WaitGroup
	results := make([]PutResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Put(context.Background(), blk, time.Hour)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatal("insert hook never fired")
	}

	inserted := 0
	for _, r := range results {
		if r == Inserted {
			inserted++
		}
	}
	require.Equal(t, 1, inserted)

	mu.Lock()
	require.Equal(t, 1, fired)
	mu.Unlock()
}

func TestEnsureExpiryIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	blk := blockOf(t, []byte("ttl subject"))

	_, err := s.Put(ctx, blk, time.Minute)
	require.NoError(t, err)

	far := time.Now().Add(24 * time.Hour)
	require.NoError(t, s.EnsureExpiry(ctx, blk.Cid, far))

	raw, err := s.meta.Get(metaKey(blk.Cid))
	require.NoError(t, err)
	rec := decodeMetaRecord(raw)
	require.Equal(t, far.UnixNano(), rec.TTLDeadline)

	near := time.Now().Add(time.Second)
	require.NoError(t, s.EnsureExpiry(ctx, blk.Cid, near))

	raw, err = s.meta.Get(metaKey(blk.Cid))
	require.NoError(t, err)
	rec = decodeMetaRecord(raw)
	require.Equal(t, far.UnixNano(), rec.TTLDeadline, "ttl must never shorten")
}

func TestTreeIndexPutGetAndDeleteCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tree, err := address.ComputeCID(address.CodecDatasetRoot, address.HashSHA256, []byte("tree"))
	require.NoError(t, err)
	leaf := blockOf(t, []byte("leaf data"))

	_, err = s.Put(ctx, leaf, time.Hour)
	require.NoError(t, err)

	proof := &address.Proof{MCodec: 1, Index: 4, NLeaves: 16, Path: []address.ProofNode{{Hash: []byte{0xaa}}}}
	require.NoError(t, s.PutTreeEntry(ctx, tree, 4, leaf.Cid, proof))

	gotCid, gotProof, err := s.GetByTree(ctx, tree, 4)
	require.NoError(t, err)
	require.True(t, gotCid.Equals(leaf.Cid))
	require.Equal(t, proof.Index, gotProof.Index)
	require.Equal(t, proof.Path[0].Hash, gotProof.Path[0].Hash)

	require.NoError(t, s.Delete(ctx, leaf.Cid))

	_, _, err = s.GetByTree(ctx, tree, 4)
	require.ErrorIs(t, err, ErrNotFound)

	has, err := s.Has(ctx, leaf.Cid)
	require.NoError(t, err)
	require.False(t, has)
}

func TestGetByTreeMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	tree, err := address.ComputeCID(address.CodecDatasetRoot, address.HashSHA256, []byte("tree2"))
	require.NoError(t, err)

	_, _, err = s.GetByTree(context.Background(), tree, 99)
	require.ErrorIs(t, err, ErrNotFound)
}
