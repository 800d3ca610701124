// Package wire implements the msgpack encoding that carries a RuntimeData
// value across an executor boundary, and a fixed-header binary framing for
// such a payload; the multiprocess and WASM executors exchange bare Encode
// output and do not wrap it in a Frame. The framing descends from the teacher's
// 110-byte AOCS protocol header, shrunk to the fields a bridge descriptor
// needs: magic, version, variant tag, session id, timestamp, payload
// length and a CRC-16 checksum.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ocx/pipelinert/internal/runtimedata"
)

// Magic bytes identifying a pipelinert wire frame.
const (
	MagicByte1 uint8 = 0x50 // 'P'
	MagicByte2 uint8 = 0x4C // 'L'
)

const (
	VersionMajor uint8 = 1
	VersionMinor uint8 = 0
)

// HeaderSize is the size in bytes of a marshalled FrameHeader.
const HeaderSize = 38

// FrameHeader is the fixed header prefixing every wire frame.
type FrameHeader struct {
	Magic        [2]uint8
	VersionMajor uint8
	VersionMinor uint8
	Kind         runtimedata.Kind // 1 byte
	_            [3]uint8         // padding for alignment, always zero
	SessionID    [16]byte         // truncated/padded session id
	Timestamp    int64            // unix nanoseconds
	PayloadLen   uint32
	Checksum     uint16
}

// NewFrameHeader builds a header for a value of the given kind, session and
// timestamp. PayloadLen and Checksum are filled in by Marshal.
func NewFrameHeader(kind runtimedata.Kind, sessionID string, ts time.Time) *FrameHeader {
	h := &FrameHeader{
		Magic:        [2]uint8{MagicByte1, MagicByte2},
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		Kind:         kind,
		Timestamp:    ts.UnixNano(),
	}
	copy(h.SessionID[:], sessionID)
	return h
}

// Validate checks the magic bytes and major version of a decoded header.
func (h *FrameHeader) Validate() error {
	if h.Magic[0] != MagicByte1 || h.Magic[1] != MagicByte2 {
		return fmt.Errorf("wire: invalid magic bytes: %02X %02X", h.Magic[0], h.Magic[1])
	}
	if h.VersionMajor != VersionMajor {
		return fmt.Errorf("wire: unsupported major version %d (expected %d)", h.VersionMajor, VersionMajor)
	}
	return nil
}

// Marshal serializes the header to its fixed-size wire form. The checksum
// is computed over every field except the checksum itself.
func (h *FrameHeader) Marshal(payloadLen uint32) ([]byte, error) {
	h.PayloadLen = payloadLen

	buf := new(bytes.Buffer)
	fields := []any{
		h.Magic, h.VersionMajor, h.VersionMinor, h.Kind, [3]uint8{},
		h.SessionID, h.Timestamp, h.PayloadLen,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return nil, fmt.Errorf("wire: marshal header: %w", err)
		}
	}

	h.Checksum = CalculateCRC16(buf.Bytes())
	if err := binary.Write(buf, binary.BigEndian, h.Checksum); err != nil {
		return nil, fmt.Errorf("wire: marshal checksum: %w", err)
	}

	return buf.Bytes(), nil
}

// Unmarshal deserializes a header from its fixed-size wire form.
func (h *FrameHeader) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("wire: header too short: %d bytes (need %d)", len(data), HeaderSize)
	}

	r := bytes.NewReader(data)
	var pad [3]uint8
	for _, f := range []any{
		&h.Magic, &h.VersionMajor, &h.VersionMinor, &h.Kind, &pad,
		&h.SessionID, &h.Timestamp, &h.PayloadLen, &h.Checksum,
	} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return fmt.Errorf("wire: unmarshal header: %w", err)
		}
	}
	return nil
}

// Frame is a complete wire frame: header plus an opaque encoded payload
// (the msgpack-encoded RuntimeData body).
type Frame struct {
	Header  *FrameHeader
	Payload []byte
}

// Marshal serializes the complete frame.
func (f *Frame) Marshal() ([]byte, error) {
	headerBytes, err := f.Header.Marshal(uint32(len(f.Payload)))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(headerBytes)+len(f.Payload))
	copy(out, headerBytes)
	copy(out[len(headerBytes):], f.Payload)
	return out, nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}
	header := &FrameHeader{}
	if err := header.Unmarshal(headerBuf); err != nil {
		return nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}

	payload := make([]byte, header.PayloadLen)
	if header.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{Header: header, Payload: payload}, nil
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// CalculateCRC16 computes the CRC-16/MODBUS checksum used to guard the header.
func CalculateCRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
