package wire

import (
	"github.com/archivist-project/blockexc/address"
	dagpb "github.com/ipfs/go-merkledag/pb"
)

// Field numbers for the manifest Header and its nested messages (spec.md §6,
// Manifest envelope).
const (
	fieldHeaderTreeCID     = 1
	fieldHeaderBlockSize   = 2
	fieldHeaderDatasetSize = 3
	fieldHeaderCodec       = 4
	fieldHeaderHCodec      = 5
	fieldHeaderVersion     = 6
	fieldHeaderErasure     = 7
	fieldHeaderFilename    = 8
	fieldHeaderMimetype    = 9

	fieldErasureK        = 1
	fieldErasureM        = 2
	fieldErasureOrigTree = 3
	fieldErasureOrigSize = 4
	fieldErasureStrategy = 5
	fieldErasureVerify   = 6

	fieldVerifyRoot     = 1
	fieldVerifySlots    = 2
	fieldVerifyCellSize = 3
	fieldVerifyStrategy = 4
)

func marshalVerification(v *address.VerificationInfo) []byte {
	var dst []byte
	if len(v.VerifyRoot) > 0 {
		dst = appendBytesField(dst, fieldVerifyRoot, v.VerifyRoot)
	}
	for _, root := range v.SlotRoots {
		dst = appendBytesField(dst, fieldVerifySlots, root)
	}
	if v.CellSize != 0 {
		dst = appendVarintField(dst, fieldVerifyCellSize, uint64(v.CellSize))
	}
	if v.Strategy != 0 {
		dst = appendVarintField(dst, fieldVerifyStrategy, uint64(v.Strategy))
	}
	return dst
}

func unmarshalVerification(buf []byte) (*address.VerificationInfo, error) {
	v := &address.VerificationInfo{}
	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return nil, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldVerifyRoot:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			v.VerifyRoot = append([]byte(nil), b...)
		case fieldVerifySlots:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			v.SlotRoots = append(v.SlotRoots, append([]byte(nil), b...))
		case fieldVerifyCellSize:
			val, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			v.CellSize = uint32(val)
		case fieldVerifyStrategy:
			val, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			v.Strategy = address.Strategy(val)
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}
	return v, nil
}

func marshalErasure(e *address.ErasureInfo) []byte {
	var dst []byte
	dst = appendVarintField(dst, fieldErasureK, uint64(e.K))
	dst = appendVarintField(dst, fieldErasureM, uint64(e.M))
	dst = appendBytesField(dst, fieldErasureOrigTree, e.OriginalTreeCID.Bytes())
	dst = appendVarintField(dst, fieldErasureOrigSize, e.OriginalDatasetSize)
	if e.Strategy != 0 {
		dst = appendVarintField(dst, fieldErasureStrategy, uint64(e.Strategy))
	}
	if e.Verification != nil {
		dst = appendBytesField(dst, fieldErasureVerify, marshalVerification(e.Verification))
	}
	return dst
}

func unmarshalErasure(buf []byte) (*address.ErasureInfo, error) {
	e := &address.ErasureInfo{}
	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return nil, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldErasureK:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			e.K = uint32(v)
		case fieldErasureM:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			e.M = uint32(v)
		case fieldErasureOrigTree:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			c, err := address.ParseCIDBytes(b)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			e.OriginalTreeCID = c
		case fieldErasureOrigSize:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			e.OriginalDatasetSize = v
		case fieldErasureStrategy:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			e.Strategy = address.Strategy(v)
		case fieldErasureVerify:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			info, err := unmarshalVerification(b)
			if err != nil {
				return nil, err
			}
			e.Verification = info
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}
	return e, nil
}

// marshalHeader encodes a Manifest's Header message (spec.md §6).
func marshalHeader(m *address.Manifest) []byte {
	var dst []byte
	dst = appendBytesField(dst, fieldHeaderTreeCID, m.TreeCID.Bytes())
	dst = appendVarintField(dst, fieldHeaderBlockSize, uint64(m.BlockSize))
	dst = appendVarintField(dst, fieldHeaderDatasetSize, m.DatasetSize)
	dst = appendVarintField(dst, fieldHeaderCodec, uint64(m.Codec))
	dst = appendVarintField(dst, fieldHeaderHCodec, m.HCodec)
	dst = appendVarintField(dst, fieldHeaderVersion, uint64(m.Version))
	if m.Erasure != nil {
		dst = appendBytesField(dst, fieldHeaderErasure, marshalErasure(m.Erasure))
	}
	if m.HasFilename() {
		dst = appendBytesField(dst, fieldHeaderFilename, []byte(m.Filename))
	}
	if m.HasMimetype() {
		dst = appendBytesField(dst, fieldHeaderMimetype, []byte(m.Mimetype))
	}
	return dst
}

func unmarshalHeader(buf []byte) (*address.Manifest, error) {
	m := &address.Manifest{}
	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return nil, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldHeaderTreeCID:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			c, err := address.ParseCIDBytes(b)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			m.TreeCID = c
		case fieldHeaderBlockSize:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.BlockSize = uint32(v)
		case fieldHeaderDatasetSize:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.DatasetSize = v
		case fieldHeaderCodec:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.Codec = address.Codec(v)
		case fieldHeaderHCodec:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.HCodec = v
		case fieldHeaderVersion:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.Version = uint32(v)
		case fieldHeaderErasure:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			erasure, err := unmarshalErasure(b)
			if err != nil {
				return nil, err
			}
			m.Erasure = erasure
		case fieldHeaderFilename:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.Filename = string(b)
		case fieldHeaderMimetype:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.Mimetype = string(b)
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}
	return m, nil
}

// EncodeManifest wraps a manifest Header as field 1 (Data) of a DAG-PB node
// (spec.md §6, Manifest envelope), reusing go-merkledag's generated PBNode
// exactly as the teacher's archive path does for unixfs nodes.
func EncodeManifest(m *address.Manifest) ([]byte, error) {
	header := marshalHeader(m)
	node := &dagpb.PBNode{Data: header}
	return node.Marshal()
}

// DecodeManifest unwraps a DAG-PB node and decodes its Data field as a
// manifest Header.
func DecodeManifest(buf []byte) (*address.Manifest, error) {
	node := &dagpb.PBNode{}
	if err := node.Unmarshal(buf); err != nil {
		return nil, newDecodeError(err.Error(), 0)
	}
	return unmarshalHeader(node.Data)
}
