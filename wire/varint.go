package wire

// This file hand-writes the varint/tag primitives that a protoc-gen-gogo
// invocation would normally generate into a message.pb.go (compare the
// vendored github.com/ipfs/go-ipfs/exchange/bitswap/message/pb package in
// the wider bitswap ecosystem). No .proto file is compiled here; the wire
// layout below mirrors spec.md §6's field numbers exactly, encoded byte for
// byte the way generated gogo/protobuf code does it.

const (
	wireVarint  = 0
	wireBytes   = 2
	wireFixed32 = 5
)

func sov(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

func appendVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func appendKey(dst []byte, field int, wireType int) []byte {
	return appendVarint(dst, uint64(field)<<3|uint64(wireType))
}

func appendBytesField(dst []byte, field int, b []byte) []byte {
	dst = appendKey(dst, field, wireBytes)
	dst = appendVarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func appendVarintField(dst []byte, field int, v uint64) []byte {
	dst = appendKey(dst, field, wireVarint)
	return appendVarint(dst, v)
}

func appendBoolField(dst []byte, field int, v bool) []byte {
	if v {
		return appendVarintField(dst, field, 1)
	}
	return appendVarintField(dst, field, 0)
}

// sizeVarintField, sizeBytesField mirror the generated Size() helpers used
// to presize buffers before Marshal.
func sizeVarintField(field int, v uint64) int {
	return sov(uint64(field)<<3) + sov(v)
}

func sizeBytesField(field int, b []byte) int {
	return sov(uint64(field)<<3) + sov(uint64(len(b))) + len(b)
}

// decodeVarint reads a base-128 varint from buf starting at off, returning
// the value, the number of bytes consumed, and an error on truncation or
// overflow (>10 bytes, matching the generated decoders' guard).
func decodeVarint(buf []byte, off int) (uint64, int, error) {
	var v uint64
	var shift uint
	start := off
	for {
		if off >= len(buf) {
			return 0, 0, errTruncated
		}
		b := buf[off]
		off++
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, off - start, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, errOverflow
		}
	}
}

// decodeKey reads a field tag and returns (fieldNumber, wireType, bytes consumed).
func decodeKey(buf []byte, off int) (int, int, int, error) {
	v, n, err := decodeVarint(buf, off)
	if err != nil {
		return 0, 0, 0, err
	}
	return int(v >> 3), int(v & 7), n, nil
}

// decodeBytes reads a length-delimited field's payload.
func decodeBytes(buf []byte, off int) ([]byte, int, error) {
	l, n, err := decodeVarint(buf, off)
	if err != nil {
		return nil, 0, err
	}
	off += n
	end := off + int(l)
	if end < off || end > len(buf) {
		return nil, 0, errTruncated
	}
	return buf[off:end], n + int(l), nil
}

// skipField consumes and discards an unknown field so decode can preserve
// forward-compatibility (spec.md §4.B).
func skipField(buf []byte, off int, wireType int) (int, error) {
	switch wireType {
	case wireVarint:
		_, n, err := decodeVarint(buf, off)
		return n, err
	case wireBytes:
		_, n, err := decodeBytes(buf, off)
		return n, err
	case wireFixed32:
		if off+4 > len(buf) {
			return 0, errTruncated
		}
		return 4, nil
	default:
		return 0, errTruncated
	}
}
