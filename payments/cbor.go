package payments

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// Minimal CBOR primitives (RFC 7049 major types 0, 2 and 4) used to hand-write
// MarshalCBOR/UnmarshalCBOR for Voucher, in the same generated-code contract
// cbor-gen produces (MarshalCBOR(io.Writer) error / UnmarshalCBOR(io.Reader)
// error) that exchange's (now-removed) request type used via go-cbor-util's
// WriteCborRPC/ReadCborRPC.

const (
	majUint  = 0
	majBytes = 2
	majArray = 4
)

var errCborMalformed = errors.New("payments: malformed cbor")

func writeHeader(w io.Writer, major byte, arg uint64) error {
	switch {
	case arg < 24:
		_, err := w.Write([]byte{major<<5 | byte(arg)})
		return err
	case arg <= 0xff:
		_, err := w.Write([]byte{major<<5 | 24, byte(arg)})
		return err
	case arg <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = major<<5 | 25
		binary.BigEndian.PutUint16(buf[1:], uint16(arg))
		_, err := w.Write(buf)
		return err
	case arg <= 0xffffffff:
		buf := make([]byte, 5)
		buf[0] = major<<5 | 26
		binary.BigEndian.PutUint32(buf[1:], uint32(arg))
		_, err := w.Write(buf)
		return err
	default:
		buf := make([]byte, 9)
		buf[0] = major<<5 | 27
		binary.BigEndian.PutUint64(buf[1:], arg)
		_, err := w.Write(buf)
		return err
	}
}

func writeUint(w io.Writer, v uint64) error {
	return writeHeader(w, majUint, v)
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeHeader(w, majBytes, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeArrayHeader(w io.Writer, n int) error {
	return writeHeader(w, majArray, uint64(n))
}

func readHeader(r *bufio.Reader, wantMajor byte) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	major := first >> 5
	if major != wantMajor {
		return 0, errCborMalformed
	}
	info := first & 0x1f
	switch {
	case info < 24:
		return uint64(info), nil
	case info == 24:
		b, err := r.ReadByte()
		return uint64(b), err
	case info == 25:
		buf := make([]byte, 2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint16(buf)), nil
	case info == 26:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint32(buf)), nil
	case info == 27:
		buf := make([]byte, 8)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(buf), nil
	default:
		return 0, errCborMalformed
	}
}

func readUint(r *bufio.Reader) (uint64, error) {
	return readHeader(r, majUint)
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	n, err := readHeader(r, majBytes)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readArrayHeader(r *bufio.Reader, want int) error {
	n, err := readHeader(r, majArray)
	if err != nil {
		return err
	}
	if int(n) != want {
		return errCborMalformed
	}
	return nil
}

func asBufioReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}
