package exchange

import (
	"io"

	"github.com/archivist-project/blockexc/wire"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-msgio"
)

// ProtocolID is the negotiated libp2p protocol for the block-exchange
// stream (spec.md §6).
const ProtocolID = protocol.ID("/archivist/blockexc/1.0.0")

// DefaultMaxFrameBytes rejects oversized frames per spec.md §6's
// max_frame_bytes default.
const DefaultMaxFrameBytes = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when an inbound frame exceeds max_frame_bytes.
var ErrFrameTooLarge = wireFrameTooLarge{}

type wireFrameTooLarge struct{}

func (wireFrameTooLarge) Error() string { return "exchange: frame exceeds max_frame_bytes" }

// msgWriter serializes Messages onto a stream with an unsigned-varint
// length prefix, matching go-bitswap's wire framing convention.
type msgWriter struct {
	w msgio.Writer
}

func newMsgWriter(s network.Stream) *msgWriter {
	return &msgWriter{w: msgio.NewVarintWriter(s)}
}

func (mw *msgWriter) WriteMsg(m *wire.Message) error {
	return mw.w.WriteMsg(m.Marshal())
}

// msgReader deserializes length-prefixed Messages from a stream, rejecting
// frames over maxFrameBytes.
type msgReader struct {
	r            msgio.ReadCloser
	maxFrameSize int
}

func newMsgReader(s network.Stream, maxFrameSize int) *msgReader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameBytes
	}
	return &msgReader{
		r:            msgio.NewVarintReaderSize(s, maxFrameSize),
		maxFrameSize: maxFrameSize,
	}
}

func (mr *msgReader) ReadMsg() (*wire.Message, error) {
	buf, err := mr.r.ReadMsg()
	if err != nil {
		if err == msgio.ErrMsgTooLarge {
			return nil, ErrFrameTooLarge
		}
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	defer mr.r.ReleaseMsg(buf)
	m, err := wire.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (mr *msgReader) Close() error {
	return mr.r.Close()
}
