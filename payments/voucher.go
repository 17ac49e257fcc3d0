package payments

import (
	"io"

	filaddr "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
)

// Voucher is a signed, incremental claim against a lane of credit one
// account has extended another. It backs the opaque account/payment byte
// fields carried verbatim by the exchange wire protocol (spec.md §3, §6;
// price semantics are conventional and never interpreted by the core).
// Signing and verification of Signature are the caller's responsibility —
// this package only tracks and applies the accounting.
type Voucher struct {
	From      filaddr.Address
	To        filaddr.Address
	Lane      uint64
	Nonce     uint64
	Amount    big.Int
	Signature []byte
}

// MarshalCBOR writes v in the same {array-of-fields} shape cbor-gen
// generates, so a Voucher round-trips through go-cbor-util's
// WriteCborRPC/ReadCborRPC exactly like any generated voucher type would.
func (v *Voucher) MarshalCBOR(w io.Writer) error {
	if err := writeArrayHeader(w, 6); err != nil {
		return err
	}
	if err := writeBytes(w, v.From.Bytes()); err != nil {
		return err
	}
	if err := writeBytes(w, v.To.Bytes()); err != nil {
		return err
	}
	if err := writeUint(w, v.Lane); err != nil {
		return err
	}
	if err := writeUint(w, v.Nonce); err != nil {
		return err
	}
	if err := v.Amount.MarshalCBOR(w); err != nil {
		return err
	}
	return writeBytes(w, v.Signature)
}

// UnmarshalCBOR reads a Voucher written by MarshalCBOR.
func (v *Voucher) UnmarshalCBOR(r io.Reader) error {
	br := asBufioReader(r)
	if err := readArrayHeader(br, 6); err != nil {
		return err
	}
	fromBytes, err := readBytes(br)
	if err != nil {
		return err
	}
	if v.From, err = filaddr.NewFromBytes(fromBytes); err != nil {
		return err
	}
	toBytes, err := readBytes(br)
	if err != nil {
		return err
	}
	if v.To, err = filaddr.NewFromBytes(toBytes); err != nil {
		return err
	}
	if v.Lane, err = readUint(br); err != nil {
		return err
	}
	if v.Nonce, err = readUint(br); err != nil {
		return err
	}
	var amt big.Int
	if err := amt.UnmarshalCBOR(br); err != nil {
		return err
	}
	v.Amount = amt
	if v.Signature, err = readBytes(br); err != nil {
		return err
	}
	return nil
}
