package wire

import (
	"github.com/archivist-project/blockexc/address"
	"github.com/ipfs/go-cid"
)

// Field numbers normative for interoperability (spec.md §6). Field 2 of
// Message is intentionally unused (reserved by an earlier protocol revision).
const (
	fieldMessageWantlist     = 1
	fieldMessagePayload      = 3
	fieldMessagePresences    = 4
	fieldMessagePendingBytes = 5
	fieldMessageAccount      = 6
	fieldMessagePayment      = 7

	fieldWantlistEntries = 1
	fieldWantlistFull    = 2

	fieldEntryAddress      = 1
	fieldEntryPriority     = 2
	fieldEntryCancel       = 3
	fieldEntryWantType     = 4
	fieldEntrySendDontHave = 5

	fieldAddrLeaf    = 1
	fieldAddrTreeCID = 2
	fieldAddrIndex   = 3
	fieldAddrCid     = 4

	fieldDeliveryCid     = 1
	fieldDeliveryData    = 2
	fieldDeliveryAddress = 3
	fieldDeliveryProof   = 4

	fieldProofMcodec  = 1
	fieldProofIndex   = 2
	fieldProofNLeaves = 3
	fieldProofPath    = 4

	fieldProofNodeHash = 1

	fieldPresenceAddress = 1
	fieldPresenceType    = 2
	fieldPresencePrice   = 3
)

// --- BlockAddress ---

func marshalAddress(dst []byte, a address.Address) []byte {
	if a.IsLeaf() {
		dst = appendBoolField(dst, fieldAddrLeaf, true)
		dst = appendBytesField(dst, fieldAddrTreeCID, a.TreeCID().Bytes())
		dst = appendVarintField(dst, fieldAddrIndex, a.Index())
	} else {
		dst = appendBytesField(dst, fieldAddrCid, a.CID().Bytes())
	}
	return dst
}

func sizeAddress(a address.Address) int {
	if a.IsLeaf() {
		return sizeVarintField(fieldAddrLeaf, 1) +
			sizeBytesField(fieldAddrTreeCID, a.TreeCID().Bytes()) +
			sizeVarintField(fieldAddrIndex, a.Index())
	}
	return sizeBytesField(fieldAddrCid, a.CID().Bytes())
}

func unmarshalAddress(buf []byte) (address.Address, error) {
	var leaf bool
	var treeCID cid.Cid
	var index uint64
	var haveTree, haveIndex bool
	var direct cid.Cid
	var haveCid bool

	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return address.Address{}, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldAddrLeaf:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return address.Address{}, newDecodeError(err.Error(), off)
			}
			off += n
			leaf = v != 0
		case fieldAddrTreeCID:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return address.Address{}, newDecodeError(err.Error(), off)
			}
			off += n
			treeCID, err = address.ParseCIDBytes(b)
			if err != nil {
				return address.Address{}, newDecodeError(err.Error(), off)
			}
			haveTree = true
		case fieldAddrIndex:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return address.Address{}, newDecodeError(err.Error(), off)
			}
			off += n
			index = v
			haveIndex = true
		case fieldAddrCid:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return address.Address{}, newDecodeError(err.Error(), off)
			}
			off += n
			direct, err = address.ParseCIDBytes(b)
			if err != nil {
				return address.Address{}, newDecodeError(err.Error(), off)
			}
			haveCid = true
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return address.Address{}, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}

	if leaf {
		if !haveTree || !haveIndex {
			return address.Address{}, newDecodeError("incomplete tree-leaf address", off)
		}
		return address.TreeLeaf(treeCID, index), nil
	}
	if !haveCid {
		return address.Address{}, newDecodeError("missing cid field on direct address", off)
	}
	return address.Direct(direct), nil
}

// --- ArchivistProof ---

// EncodeProof serializes a merkle inclusion proof on its own, for storage
// alongside a tree-index entry (spec.md §6, Persisted state).
func EncodeProof(p *address.Proof) []byte {
	return marshalProof(p)
}

// DecodeProof is the inverse of EncodeProof.
func DecodeProof(buf []byte) (*address.Proof, error) {
	return unmarshalProof(buf)
}

// EncodeAddress serializes a BlockAddress on its own (used by the store's
// tree-index and by callers that persist an address outside of a Message).
func EncodeAddress(a address.Address) []byte {
	return marshalAddress(nil, a)
}

// DecodeAddress is the inverse of EncodeAddress.
func DecodeAddress(buf []byte) (address.Address, error) {
	return unmarshalAddress(buf)
}

func marshalProof(p *address.Proof) []byte {
	var dst []byte
	dst = appendVarintField(dst, fieldProofMcodec, p.MCodec)
	dst = appendVarintField(dst, fieldProofIndex, p.Index)
	dst = appendVarintField(dst, fieldProofNLeaves, p.NLeaves)
	for _, node := range p.Path {
		var nb []byte
		nb = appendBytesField(nb, fieldProofNodeHash, node.Hash)
		dst = appendBytesField(dst, fieldProofPath, nb)
	}
	return dst
}

func unmarshalProof(buf []byte) (*address.Proof, error) {
	p := &address.Proof{}
	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return nil, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldProofMcodec:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			p.MCodec = v
		case fieldProofIndex:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			p.Index = v
		case fieldProofNLeaves:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			p.NLeaves = v
		case fieldProofPath:
			nb, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			node, err := unmarshalProofNode(nb)
			if err != nil {
				return nil, err
			}
			p.Path = append(p.Path, node)
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}
	return p, nil
}

func unmarshalProofNode(buf []byte) (address.ProofNode, error) {
	var node address.ProofNode
	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return node, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldProofNodeHash:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return node, newDecodeError(err.Error(), off)
			}
			off += n
			node.Hash = append([]byte(nil), b...)
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return node, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}
	return node, nil
}

// --- BlockPresence ---

func marshalPresence(p BlockPresence) []byte {
	var dst []byte
	addrBytes := marshalAddress(nil, p.Address)
	dst = appendBytesField(dst, fieldPresenceAddress, addrBytes)
	dst = appendVarintField(dst, fieldPresenceType, uint64(p.Kind))
	if len(p.Price) > 0 {
		dst = appendBytesField(dst, fieldPresencePrice, p.Price)
	}
	return dst
}

func unmarshalPresence(buf []byte) (BlockPresence, error) {
	var p BlockPresence
	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return p, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldPresenceAddress:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return p, newDecodeError(err.Error(), off)
			}
			off += n
			a, err := unmarshalAddress(b)
			if err != nil {
				return p, err
			}
			p.Address = a
		case fieldPresenceType:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return p, newDecodeError(err.Error(), off)
			}
			off += n
			p.Kind = PresenceKind(v)
		case fieldPresencePrice:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return p, newDecodeError(err.Error(), off)
			}
			off += n
			p.Price = append([]byte(nil), b...)
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return p, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}
	return p, nil
}

// --- BlockDelivery ---

func marshalDelivery(d BlockDelivery) []byte {
	var dst []byte
	dst = appendBytesField(dst, fieldDeliveryCid, d.Cid.Bytes())
	dst = appendBytesField(dst, fieldDeliveryData, d.Data)
	dst = appendBytesField(dst, fieldDeliveryAddress, marshalAddress(nil, d.Address))
	if d.Proof != nil {
		dst = appendBytesField(dst, fieldDeliveryProof, marshalProof(d.Proof))
	}
	return dst
}

func unmarshalDelivery(buf []byte) (BlockDelivery, error) {
	var d BlockDelivery
	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return d, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldDeliveryCid:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return d, newDecodeError(err.Error(), off)
			}
			off += n
			c, err := address.ParseCIDBytes(b)
			if err != nil {
				return d, newDecodeError(err.Error(), off)
			}
			d.Cid = c
		case fieldDeliveryData:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return d, newDecodeError(err.Error(), off)
			}
			off += n
			d.Data = append([]byte(nil), b...)
		case fieldDeliveryAddress:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return d, newDecodeError(err.Error(), off)
			}
			off += n
			a, err := unmarshalAddress(b)
			if err != nil {
				return d, err
			}
			d.Address = a
		case fieldDeliveryProof:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return d, newDecodeError(err.Error(), off)
			}
			off += n
			p, err := unmarshalProof(b)
			if err != nil {
				return d, err
			}
			d.Proof = p
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return d, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}
	return d, nil
}

// --- Wantlist / WantlistEntry ---

func marshalEntry(e WantlistEntry) []byte {
	var dst []byte
	dst = appendBytesField(dst, fieldEntryAddress, marshalAddress(nil, e.Address))
	if e.Priority != 0 {
		dst = appendVarintField(dst, fieldEntryPriority, uint64(e.Priority))
	}
	if e.Cancel {
		dst = appendBoolField(dst, fieldEntryCancel, true)
	}
	if e.WantType != WantBlock {
		dst = appendVarintField(dst, fieldEntryWantType, uint64(e.WantType))
	}
	if e.SendDontHave {
		dst = appendBoolField(dst, fieldEntrySendDontHave, true)
	}
	return dst
}

func unmarshalEntry(buf []byte) (WantlistEntry, error) {
	var e WantlistEntry
	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return e, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldEntryAddress:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return e, newDecodeError(err.Error(), off)
			}
			off += n
			a, err := unmarshalAddress(b)
			if err != nil {
				return e, err
			}
			e.Address = a
		case fieldEntryPriority:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return e, newDecodeError(err.Error(), off)
			}
			off += n
			e.Priority = int32(v)
		case fieldEntryCancel:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return e, newDecodeError(err.Error(), off)
			}
			off += n
			e.Cancel = v != 0
		case fieldEntryWantType:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return e, newDecodeError(err.Error(), off)
			}
			off += n
			e.WantType = WantType(v)
		case fieldEntrySendDontHave:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return e, newDecodeError(err.Error(), off)
			}
			off += n
			e.SendDontHave = v != 0
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return e, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}
	return e, nil
}

func marshalWantlist(w *Wantlist) []byte {
	var dst []byte
	for _, e := range w.Entries {
		dst = appendBytesField(dst, fieldWantlistEntries, marshalEntry(e))
	}
	if w.Full {
		dst = appendBoolField(dst, fieldWantlistFull, true)
	}
	return dst
}

func unmarshalWantlist(buf []byte) (*Wantlist, error) {
	w := &Wantlist{}
	off := 0
	for off < len(buf) {
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return nil, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldWantlistEntries:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			e, err := unmarshalEntry(b)
			if err != nil {
				return nil, err
			}
			w.Entries = append(w.Entries, e)
		case fieldWantlistFull:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			w.Full = v != 0
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
		}
	}
	return w, nil
}

// --- Message ---

// Marshal encodes m into its wire representation. A nil Wantlist is
// omitted entirely; PendingBytes below zero is clamped to zero, mirroring
// the clamp Unmarshal applies to untrusted input (spec.md §4.B).
func (m *Message) Marshal() []byte {
	size := 0
	var wl []byte
	if m.Wantlist != nil {
		wl = marshalWantlist(m.Wantlist)
		size += sizeBytesField(fieldMessageWantlist, wl)
	}
	payloads := make([][]byte, len(m.Payload))
	for i, d := range m.Payload {
		payloads[i] = marshalDelivery(d)
		size += sizeBytesField(fieldMessagePayload, payloads[i])
	}
	presences := make([][]byte, len(m.Presences))
	for i, p := range m.Presences {
		presences[i] = marshalPresence(p)
		size += sizeBytesField(fieldMessagePresences, presences[i])
	}
	pendingBytes := m.PendingBytes
	if pendingBytes < 0 {
		pendingBytes = 0
	}
	if pendingBytes != 0 {
		size += sizeVarintField(fieldMessagePendingBytes, uint64(pendingBytes))
	}
	if len(m.Account) > 0 {
		size += sizeBytesField(fieldMessageAccount, m.Account)
	}
	if len(m.Payment) > 0 {
		size += sizeBytesField(fieldMessagePayment, m.Payment)
	}
	size += len(m.Unrecognized)

	dst := make([]byte, 0, size)
	if wl != nil {
		dst = appendBytesField(dst, fieldMessageWantlist, wl)
	}
	for _, pb := range payloads {
		dst = appendBytesField(dst, fieldMessagePayload, pb)
	}
	for _, pb := range presences {
		dst = appendBytesField(dst, fieldMessagePresences, pb)
	}
	if pendingBytes != 0 {
		dst = appendVarintField(dst, fieldMessagePendingBytes, uint64(pendingBytes))
	}
	if len(m.Account) > 0 {
		dst = appendBytesField(dst, fieldMessageAccount, m.Account)
	}
	if len(m.Payment) > 0 {
		dst = appendBytesField(dst, fieldMessagePayment, m.Payment)
	}
	dst = append(dst, m.Unrecognized...)
	return dst
}

// Unmarshal decodes buf into a fresh Message. Unknown fields are preserved
// verbatim in Unrecognized and re-emitted by Marshal, rather than dropped,
// so a relayed message from a newer peer doesn't lose fields this version
// doesn't know about (spec.md §4.B, §8 round-trip law). A negative
// pending_bytes on the wire is clamped to zero.
func Unmarshal(buf []byte) (*Message, error) {
	m := &Message{}
	off := 0
	for off < len(buf) {
		fieldStart := off
		field, wireType, n, err := decodeKey(buf, off)
		if err != nil {
			return nil, newDecodeError(err.Error(), off)
		}
		off += n
		switch field {
		case fieldMessageWantlist:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			wl, err := unmarshalWantlist(b)
			if err != nil {
				return nil, err
			}
			m.Wantlist = wl
		case fieldMessagePayload:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			d, err := unmarshalDelivery(b)
			if err != nil {
				return nil, err
			}
			m.Payload = append(m.Payload, d)
		case fieldMessagePresences:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			p, err := unmarshalPresence(b)
			if err != nil {
				return nil, err
			}
			m.Presences = append(m.Presences, p)
		case fieldMessagePendingBytes:
			v, n, err := decodeVarint(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			pb := int32(v)
			if pb < 0 {
				pb = 0
			}
			m.PendingBytes = pb
		case fieldMessageAccount:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.Account = append([]byte(nil), b...)
		case fieldMessagePayment:
			b, n, err := decodeBytes(buf, off)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.Payment = append([]byte(nil), b...)
		default:
			n, err := skipField(buf, off, wireType)
			if err != nil {
				return nil, newDecodeError(err.Error(), off)
			}
			off += n
			m.Unrecognized = append(m.Unrecognized, buf[fieldStart:off]...)
		}
	}
	return m, nil
}
