// Package store implements the content-addressed block store: a
// badger-backed blockstore with TTL tracking, a tree-leaf index, and an
// insertion hook used by the advertiser (spec.md §4.C).
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/archivist-project/blockexc/wire"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	badgerds "github.com/ipfs/go-ds-badger"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	units "github.com/docker/go-units"
	"github.com/rs/zerolog"
)

// PutResult reports whether Put inserted new data or found a duplicate.
type PutResult int

const (
	Inserted PutResult = iota
	Duplicate
)

// InsertHook is invoked exactly once per first-time insertion of a CID,
// asynchronously and without holding any store lock (spec.md §4.C). The
// advertiser registers one to learn what to announce.
type InsertHook func(c cid.Cid)

// ErrNotFound is returned by Get/GetByTree when the key is absent.
var ErrNotFound = errors.New("store: not found")

// ErrBlockTooLarge is returned by Put when data exceeds the configured
// maximum block size.
var ErrBlockTooLarge = errors.New("store: block exceeds max_block_size")

// ErrCidMismatch is returned by Put when data does not hash to cid's
// embedded digest (spec.md global invariant 1).
var ErrCidMismatch = errors.New("store: cid does not match block data")

const numStripes = 256

// Store is the node's content-addressed block store. It is safe for
// concurrent use; Put collapses concurrent duplicate inserts of the same
// CID into a single insertion with the hook firing exactly once.
type Store struct {
	ds   datastore.Batching
	bs   blockstore.Blockstore
	meta datastore.Datastore
	tree datastore.Datastore
	leaf datastore.Datastore

	maxBlockSize int

	hookMu sync.RWMutex
	hook   InsertHook

	stripes [numStripes]sync.Mutex

	log zerolog.Logger
}

// Options configures a Store.
type Options struct {
	RepoPath     string
	MaxBlockSize int
	Logger       zerolog.Logger
}

// Open constructs a Store backed by a badger datastore under
// opts.RepoPath/datastore, mirroring the node's own badger wiring.
func Open(opts Options) (*Store, error) {
	dsopts := badgerds.DefaultOptions
	dsopts.SyncWrites = false
	dsopts.Truncate = true

	ds, err := badgerds.NewDatastore(filepath.Join(opts.RepoPath, "datastore"), &dsopts)
	if err != nil {
		return nil, err
	}
	return newStore(ds, opts), nil
}

// NewWithDatastore builds a Store directly atop an already-open datastore,
// bypassing badger. It exists for tests and for embedders that already
// manage their own datastore lifecycle.
func NewWithDatastore(ds datastore.Batching, opts Options) *Store {
	return newStore(ds, opts)
}

func newStore(ds datastore.Batching, opts Options) *Store {
	maxSize := opts.MaxBlockSize
	if maxSize == 0 {
		maxSize = address.DefaultMaxBlockSize
	}
	return &Store{
		ds:           ds,
		bs:           blockstore.NewBlockstore(ds),
		meta:         namespace.Wrap(ds, datastore.NewKey("meta")),
		tree:         namespace.Wrap(ds, datastore.NewKey("tree")),
		leaf:         namespace.Wrap(ds, datastore.NewKey("leafidx")),
		maxBlockSize: maxSize,
		log:          opts.Logger,
	}
}

// SetInsertHook installs the hook fired on first insertion. It is not safe
// to call concurrently with Put.
func (s *Store) SetInsertHook(h InsertHook) {
	s.hookMu.Lock()
	s.hook = h
	s.hookMu.Unlock()
}

// Close flushes and closes the underlying datastore.
func (s *Store) Close() error {
	return s.ds.Close()
}

func (s *Store) stripeFor(c cid.Cid) *sync.Mutex {
	h := c.Hash()
	idx := byte(0)
	if len(h) > 0 {
		idx = h[len(h)-1]
	}
	return &s.stripes[int(idx)%numStripes]
}

// Put verifies and stores a block, extending its TTL to at least ttl from
// now. Concurrent Puts of the same CID are serialized by a per-CID stripe
// lock; only the first to land fires the insertion hook.
func (s *Store) Put(ctx context.Context, blk address.Block, ttl time.Duration) (PutResult, error) {
	if len(blk.Data) > s.maxBlockSize {
		return 0, ErrBlockTooLarge
	}
	ok, err := address.VerifyCID(blk.Cid, blk.Data)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrCidMismatch
	}

	mu := s.stripeFor(blk.Cid)
	mu.Lock()
	defer mu.Unlock()

	has, err := s.bs.Has(blk.Cid)
	if err != nil {
		return 0, err
	}
	deadline := time.Now().Add(ttl)
	if has {
		if err := s.extendDeadlineLocked(blk.Cid, deadline); err != nil {
			return 0, err
		}
		return Duplicate, nil
	}

	b, err := blocks.NewBlockWithCid(blk.Data, blk.Cid)
	if err != nil {
		return 0, err
	}
	if err := s.bs.Put(b); err != nil {
		return 0, err
	}
	rec := metaRecord{StoredAt: time.Now().UnixNano(), TTLDeadline: deadline.UnixNano()}
	if err := s.meta.Put(metaKey(blk.Cid), rec.encode()); err != nil {
		s.log.Warn().Err(err).Str("cid", blk.Cid.String()).Msg("meta record write failed after block write")
	}

	s.log.Debug().Str("cid", blk.Cid.String()).Str("size", units.BytesSize(float64(len(blk.Data)))).Msg("block stored")

	s.hookMu.RLock()
	hook := s.hook
	s.hookMu.RUnlock()
	if hook != nil {
		go hook(blk.Cid)
	}
	return Inserted, nil
}

// Get returns a stored block, or ErrNotFound.
func (s *Store) Get(ctx context.Context, c cid.Cid) (*address.Block, error) {
	b, err := s.bs.Get(c)
	if err != nil {
		if err == blockstore.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &address.Block{Cid: b.Cid(), Data: b.RawData()}, nil
}

// Has reports whether a CID is stored.
func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return s.bs.Has(c)
}

// Delete removes a block and any tree-index entries pointing at it.
func (s *Store) Delete(ctx context.Context, c cid.Cid) error {
	mu := s.stripeFor(c)
	mu.Lock()
	defer mu.Unlock()

	refs, err := s.leaf.Get(leafKey(c))
	if err == nil {
		for _, key := range decodeLeafRefs(refs) {
			_ = s.tree.Delete(key)
		}
		_ = s.leaf.Delete(leafKey(c))
	} else if err != datastore.ErrNotFound {
		return err
	}

	_ = s.meta.Delete(metaKey(c))
	return s.bs.DeleteBlock(c)
}

// EnsureExpiry monotonically extends a block's TTL deadline; it never
// shortens it.
func (s *Store) EnsureExpiry(ctx context.Context, c cid.Cid, newDeadline time.Time) error {
	mu := s.stripeFor(c)
	mu.Lock()
	defer mu.Unlock()
	return s.extendDeadlineLocked(c, newDeadline)
}

func (s *Store) extendDeadlineLocked(c cid.Cid, newDeadline time.Time) error {
	raw, err := s.meta.Get(metaKey(c))
	if err != nil && err != datastore.ErrNotFound {
		return err
	}
	var rec metaRecord
	if err == nil {
		rec = decodeMetaRecord(raw)
	} else {
		rec.StoredAt = time.Now().UnixNano()
	}
	if newDeadline.UnixNano() > rec.TTLDeadline {
		rec.TTLDeadline = newDeadline.UnixNano()
	}
	return s.meta.Put(metaKey(c), rec.encode())
}

// PutTreeEntry records that leafCID is the index-th leaf of tree, along
// with its inclusion proof.
func (s *Store) PutTreeEntry(ctx context.Context, tree cid.Cid, index uint64, leafCID cid.Cid, proof *address.Proof) error {
	key := treeKey(tree, index)
	entry := encodeTreeEntry(leafCID, proof)
	if err := s.tree.Put(key, entry); err != nil {
		return err
	}

	mu := s.stripeFor(leafCID)
	mu.Lock()
	defer mu.Unlock()
	lk := leafKey(leafCID)
	existing, err := s.leaf.Get(lk)
	if err != nil && err != datastore.ErrNotFound {
		return err
	}
	refs := decodeLeafRefs(existing)
	refs = append(refs, key)
	return s.leaf.Put(lk, encodeLeafRefs(refs))
}

// GetByTree resolves (tree, index) to its leaf CID and inclusion proof.
func (s *Store) GetByTree(ctx context.Context, tree cid.Cid, index uint64) (cid.Cid, *address.Proof, error) {
	raw, err := s.tree.Get(treeKey(tree, index))
	if err != nil {
		if err == datastore.ErrNotFound {
			return cid.Undef, nil, ErrNotFound
		}
		return cid.Undef, nil, err
	}
	return decodeTreeEntry(raw)
}

func metaKey(c cid.Cid) datastore.Key {
	return datastore.NewKey(c.String())
}

func leafKey(c cid.Cid) datastore.Key {
	return datastore.NewKey(c.String())
}

func treeKey(tree cid.Cid, index uint64) datastore.Key {
	return datastore.NewKey(tree.String()).ChildString(hexUint64(index))
}

func hexUint64(v uint64) string {
	const digits = "0123456789abcdef"
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}

// metaRecord is the small persisted {stored_at, ttl_deadline, flags} record
// (spec.md §6, Persisted state). It is internal to this store, never sent
// over the wire, so it is encoded with a fixed binary layout rather than
// the protobuf codec used for interop messages.
type metaRecord struct {
	StoredAt    int64
	TTLDeadline int64
	Flags       uint32
}

func (r metaRecord) encode() []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.StoredAt))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.TTLDeadline))
	binary.BigEndian.PutUint32(buf[16:20], r.Flags)
	return buf
}

func decodeMetaRecord(buf []byte) metaRecord {
	if len(buf) < 20 {
		return metaRecord{}
	}
	return metaRecord{
		StoredAt:    int64(binary.BigEndian.Uint64(buf[0:8])),
		TTLDeadline: int64(binary.BigEndian.Uint64(buf[8:16])),
		Flags:       binary.BigEndian.Uint32(buf[16:20]),
	}
}

func encodeTreeEntry(leafCID cid.Cid, proof *address.Proof) []byte {
	leafBytes := leafCID.Bytes()
	var proofBytes []byte
	if proof != nil {
		proofBytes = wire.EncodeProof(proof)
	}
	buf := make([]byte, 0, 4+len(leafBytes)+len(proofBytes))
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(leafBytes)))
	buf = append(buf, lenPrefix[:]...)
	buf = append(buf, leafBytes...)
	buf = append(buf, proofBytes...)
	return buf
}

func decodeTreeEntry(buf []byte) (cid.Cid, *address.Proof, error) {
	if len(buf) < 4 {
		return cid.Undef, nil, ErrNotFound
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	if uint32(len(buf)-4) < n {
		return cid.Undef, nil, ErrNotFound
	}
	leafBytes := buf[4 : 4+n]
	c, err := address.ParseCIDBytes(leafBytes)
	if err != nil {
		return cid.Undef, nil, err
	}
	rest := buf[4+n:]
	if len(rest) == 0 {
		return c, nil, nil
	}
	proof, err := wire.DecodeProof(rest)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, proof, nil
}

func encodeLeafRefs(keys []datastore.Key) []byte {
	var buf []byte
	for _, k := range keys {
		s := k.String()
		var lp [4]byte
		binary.BigEndian.PutUint32(lp[:], uint32(len(s)))
		buf = append(buf, lp[:]...)
		buf = append(buf, s...)
	}
	return buf
}

func decodeLeafRefs(buf []byte) []datastore.Key {
	var keys []datastore.Key
	off := 0
	for off+4 <= len(buf) {
		n := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		if off+int(n) > len(buf) {
			break
		}
		keys = append(keys, datastore.NewKey(string(buf[off:off+int(n)])))
		off += int(n)
	}
	return keys
}
