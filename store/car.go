package store

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore/query"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
)

// ExportCAR writes root's manifest block plus every cached leaf of the
// tree rooted at it into a single CAR file, for out-of-band manifest
// distribution. This replaces the teacher's archive(), which additionally
// computed a Filecoin piece commitment over the same bytes; CommP/sector
// sealing is out of scope here (spec.md §1), so this only emits the CAR.
func (s *Store) ExportCAR(ctx context.Context, w io.Writer, root cid.Cid) error {
	members, err := s.treeMembers(ctx, root)
	if err != nil {
		return err
	}
	header := &car.CarHeader{Roots: []cid.Cid{root}, Version: 1}
	if err := car.WriteHeader(header, w); err != nil {
		return err
	}

	write := func(c cid.Cid) error {
		blk, err := s.Get(ctx, c)
		if err != nil {
			return err
		}
		return carutil.LdWrite(w, c.Bytes(), blk.Data)
	}
	if err := write(root); err != nil {
		return err
	}
	for _, c := range members {
		if c.Equals(root) {
			continue
		}
		if err := write(c); err != nil {
			return err
		}
	}
	return nil
}

// ImportCAR reads a CAR file written by ExportCAR (or any CARv1 producer),
// storing every block it contains under ttl and returning the header's
// declared roots.
func (s *Store) ImportCAR(ctx context.Context, r io.Reader, ttl time.Duration) ([]cid.Cid, error) {
	br := bufio.NewReader(r)
	header, err := car.ReadHeader(br)
	if err != nil {
		return nil, err
	}
	for {
		raw, err := carutil.LdRead(br)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		c, n, err := cid.CidFromBytes(raw)
		if err != nil {
			return nil, err
		}
		blk := address.Block{Cid: c, Data: raw[n:]}
		if _, err := s.Put(ctx, blk, ttl); err != nil {
			return nil, err
		}
	}
	return header.Roots, nil
}

// treeMembers lists every leaf CID on record for tree, by scanning the
// tree index's (tree, index) -> leaf entries under tree's key prefix.
func (s *Store) treeMembers(ctx context.Context, tree cid.Cid) ([]cid.Cid, error) {
	results, err := s.tree.Query(query.Query{Prefix: "/" + tree.String()})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var out []cid.Cid
	for entry := range results.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		c, _, err := decodeTreeEntry(entry.Value)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
