package wire

import (
	"github.com/archivist-project/blockexc/address"
	"github.com/ipfs/go-cid"
)

// WantType distinguishes a presence-only want from a want for the full
// block (spec.md §3).
type WantType int32

const (
	WantBlock WantType = 0
	WantHave  WantType = 1
)

// PresenceKind is the peer's declared knowledge of a CID (spec.md §3).
type PresenceKind int32

const (
	Have     PresenceKind = 0
	DontHave PresenceKind = 1
)

// WantlistEntry is one line of a Wantlist (spec.md §3).
type WantlistEntry struct {
	Address      address.Address
	Priority     int32
	Cancel       bool
	WantType     WantType
	SendDontHave bool
}

// Wantlist is a peer's set of wanted addresses (spec.md §3). Full=true
// means "replace the recipient's prior wantlist with these entries",
// otherwise entries merge into the existing one.
type Wantlist struct {
	Entries []WantlistEntry
	Full    bool
}

// BlockPresence is a peer's declaration of whether it holds a CID,
// optionally with a price (spec.md §3). Price is carried verbatim as
// opaque big-endian bytes; the core does not interpret it (spec.md §9).
type BlockPresence struct {
	Address address.Address
	Kind    PresenceKind
	Price   []byte
}

// BlockDelivery carries one block's data, its address, and (for tree
// leaves) a merkle proof (spec.md §3).
type BlockDelivery struct {
	Cid     cid.Cid
	Data    []byte
	Address address.Address
	Proof   *address.Proof
}

// Message is the single wire envelope of the protocol (spec.md §3, §6).
// Account and Payment are opaque payment-layer payloads forwarded verbatim.
type Message struct {
	Wantlist     *Wantlist
	Payload      []BlockDelivery
	Presences    []BlockPresence
	PendingBytes int32
	Account      []byte
	Payment      []byte

	// Unrecognized holds the raw key+value bytes of any fields Unmarshal
	// didn't recognize, in wire order, so Marshal can re-emit them
	// unchanged (spec.md §4.B forward-compat, §8 round-trip law).
	Unrecognized []byte
}
