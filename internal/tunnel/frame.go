// Package tunnel implements the Tunnel Manager: a single carrier WebSocket
// per session multiplexing many duplex byte streams to loopback TCP ports
// inside the session, via a small binary frame protocol plus a JSON control
// channel on the same connection.
package tunnel

import "encoding/binary"

// Frame types for binary frames.
const (
	frameTypeData byte = 0x01
	frameTypeEnd  byte = 0x02
)

// minFrameLen is the smallest a binary frame can legitimately be: one type
// byte plus a 4-byte stream id. Shorter frames are dropped.
const minFrameLen = 5

// encodeFrame lays out [type:u8][stream_id:u32 BE][payload...].
func encodeFrame(typ byte, streamID uint32, payload []byte) []byte {
	buf := make([]byte, minFrameLen+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], streamID)
	copy(buf[5:], payload)
	return buf
}

// decodeFrame parses a binary frame. ok is false if the frame is shorter
// than minFrameLen and must be dropped.
func decodeFrame(b []byte) (typ byte, streamID uint32, payload []byte, ok bool) {
	if len(b) < minFrameLen {
		return 0, 0, nil, false
	}
	typ = b[0]
	streamID = binary.BigEndian.Uint32(b[1:5])
	payload = b[5:]
	return typ, streamID, payload, true
}
