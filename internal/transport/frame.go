package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types on the printer wire protocol.
//
// Every frame is: size(2, big endian) + type(2, big endian) + payload.
// The size field counts type and payload but not itself.
const (
	FrameHello uint16 = 0x0001
	FrameData  uint16 = 0x0010
	FrameAck   uint16 = 0x0011
	FrameNak   uint16 = 0x0012
)

// NAK reason codes, carried after the sequence number.
const (
	NakBusy     byte = 0x01 // device buffer full, resend later
	NakChecksum byte = 0x02 // corrupted in transit, resend
	NakRejected byte = 0x03 // device refuses the data
)

const (
	// frameHeaderSize is size(2) + type(2).
	frameHeaderSize = 4

	// seqSize is the sequence number prefix on DATA, ACK and NAK payloads.
	seqSize = 2

	// MaxFramePayload is the largest payload carried in a single frame.
	MaxFramePayload = 4096

	// maxChunk is the data carried by one DATA frame after its sequence number.
	maxChunk = MaxFramePayload - seqSize

	// protocolVersion is announced in the HELLO frame.
	protocolVersion byte = 1
)

// EncodeFrame builds a wire frame.
//
// Parameters:
//   - frameType: One of the Frame* constants
//   - payload: Frame payload, at most MaxFramePayload bytes
//
// Returns:
//   - []byte: Encoded frame
func EncodeFrame(frameType uint16, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(2+len(payload))) //nolint:gosec // bounded by MaxFramePayload
	binary.BigEndian.PutUint16(buf[2:4], frameType)
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// ReadFrame reads exactly one frame from r.
//
// A declared size below 2 or above the maximum frame size means the stream
// is out of sync and is reported as ErrInvalidFrame.
func ReadFrame(r io.Reader) (frameType uint16, payload []byte, err error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:2]); err != nil {
		return 0, nil, err
	}

	size := binary.BigEndian.Uint16(header[:2])
	if size < 2 {
		return 0, nil, fmt.Errorf("%w: size %d below minimum", ErrInvalidFrame, size)
	}
	if int(size) > 2+MaxFramePayload {
		return 0, nil, fmt.Errorf("%w: size %d exceeds maximum", ErrInvalidFrame, size)
	}

	if _, err := io.ReadFull(r, header[2:4]); err != nil {
		return 0, nil, err
	}
	frameType = binary.BigEndian.Uint16(header[2:4])

	if n := int(size) - 2; n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return frameType, payload, nil
}

// encodeData builds a DATA frame carrying one chunk.
func encodeData(seq uint16, chunk []byte) []byte {
	payload := make([]byte, seqSize+len(chunk))
	binary.BigEndian.PutUint16(payload[:seqSize], seq)
	copy(payload[seqSize:], chunk)
	return EncodeFrame(FrameData, payload)
}

// parseSeq extracts the sequence number from an ACK, NAK or DATA payload.
func parseSeq(payload []byte) (uint16, error) {
	if len(payload) < seqSize {
		return 0, fmt.Errorf("%w: missing sequence number", ErrInvalidFrame)
	}
	return binary.BigEndian.Uint16(payload[:seqSize]), nil
}

// chunks splits data into DATA-sized pieces. An empty payload yields one
// empty chunk so that it is still acknowledged by the device.
func chunks(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{nil}
	}
	out := make([][]byte, 0, (len(data)+maxChunk-1)/maxChunk)
	for len(data) > 0 {
		n := min(len(data), maxChunk)
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
