// Package wireproto implements thallium's frame protocol: a fixed-size
// header followed by a variable-length body, solving TCP's sticky-packet
// problem the same way the teacher's mini-rpc protocol package does, but
// generalized to address a call by (provider-id, procedure-id) instead of
// a "Service.Method" string, and to carry bulk-transfer control frames in
// addition to RPC request/response/heartbeat frames.
package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes identifying a thallium frame: "tl" + a protocol marker byte,
// rejecting stray connections the way the teacher's "mrp" magic does.
const (
	MagicByte1 byte = 0x74 // 't'
	MagicByte2 byte = 0x6c // 'l'
	MagicByte3 byte = 0x6d // 'm'
	Version    byte = 0x01

	// HeaderSize = 3 (magic) + 1 (version) + 1 (msg type) + 2 (provider id)
	// + 8 (procedure id) + 4 (seq) + 4 (body len).
	HeaderSize int = 23
)

// MsgType distinguishes the frame kinds thallium ships over one connection.
type MsgType byte

const (
	MsgRequest     MsgType = 0 // client -> server RPC request
	MsgResponse    MsgType = 1 // server -> client RPC response
	MsgHeartbeat   MsgType = 2 // keepalive probe, no body
	MsgBulkPull    MsgType = 3 // request to pull bytes from the remote's exposed memory
	MsgBulkPush    MsgType = 4 // request to push bytes into the remote's exposed memory
	MsgBulkDone    MsgType = 5 // bulk transfer completion acknowledgement
	MsgShutdown    MsgType = 6 // remote-shutdown request (Engine.ShutdownRemoteEngine)
)

// Header is the fixed HeaderSize-byte frame header.
type Header struct {
	MsgType     MsgType
	ProviderID  uint16
	ProcedureID uint64
	Seq         uint32
	BodyLen     uint32
}

// Encode writes a complete frame (header + body) to w. The caller must
// serialize concurrent writers onto the same connection itself (a mutex
// per connection, as the teacher's server/transport do), or frames from
// different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint16(buf[5:7], h.ProviderID)
	binary.BigEndian.PutUint64(buf[7:15], h.ProcedureID)
	binary.BigEndian.PutUint32(buf[15:19], h.Seq)
	binary.BigEndian.PutUint32(buf[19:23], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// Decode reads one complete frame from r, validating the magic number and
// version before trusting BodyLen to size the subsequent read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("wireproto: invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("wireproto: unsupported version: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[4])
	if msgType > MsgShutdown {
		return nil, nil, fmt.Errorf("wireproto: unsupported message type: %d", msgType)
	}

	h := &Header{
		MsgType:     msgType,
		ProviderID:  binary.BigEndian.Uint16(headerBuf[5:7]),
		ProcedureID: binary.BigEndian.Uint64(headerBuf[7:15]),
		Seq:         binary.BigEndian.Uint32(headerBuf[15:19]),
		BodyLen:     binary.BigEndian.Uint32(headerBuf[19:23]),
	}

	if h.BodyLen == 0 {
		return h, nil, nil
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
