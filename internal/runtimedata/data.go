// Package runtimedata defines RuntimeData, the tagged-union value that
// flows across every bridge in a pipeline execution.
package runtimedata

import "time"

// Kind identifies which case of RuntimeData a value carries.
type Kind uint8

const (
	KindAudio Kind = iota
	KindVideo
	KindTensor
	KindText
	KindJSON
	KindBinary
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "Audio"
	case KindVideo:
		return "Video"
	case KindTensor:
		return "Tensor"
	case KindText:
		return "Text"
	case KindJSON:
		return "Json"
	case KindBinary:
		return "Binary"
	case KindControl:
		return "Control"
	default:
		return "Unknown"
	}
}

// Droppable reports whether a variant of this kind may be silently dropped
// (oldest-first) by a bridge under backpressure=false, per the spec: only
// Audio and Video frames are droppable, everything else is fatal on
// overflow.
func (k Kind) Droppable() bool {
	return k == KindAudio || k == KindVideo
}

// header carries the fields every RuntimeData case has in common.
type header struct {
	sessionID string
	timestamp time.Time
}

func newHeader(sessionID string, timestamp time.Time) header {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return header{sessionID: sessionID, timestamp: timestamp}
}

func (h header) SessionID() string   { return h.sessionID }
func (h header) Timestamp() time.Time { return h.timestamp }

// Value is the common interface every RuntimeData case implements.
type Value interface {
	Kind() Kind
	SessionID() string
	Timestamp() time.Time
}

// DType identifies a Tensor's element type.
type DType string

const (
	DTypeF32 DType = "f32"
	DTypeF16 DType = "f16"
	DTypeI32 DType = "i32"
	DTypeI8  DType = "i8"
	DTypeU8  DType = "u8"
)

// Audio carries raw 32-bit-float PCM samples.
type Audio struct {
	header
	Samples    []float32
	SampleRate int
	Channels   int
	StreamID   string // optional, empty if unset
}

func NewAudio(sessionID string, ts time.Time, samples []float32, sampleRate, channels int, streamID string) Audio {
	return Audio{header: newHeader(sessionID, ts), Samples: samples, SampleRate: sampleRate, Channels: channels, StreamID: streamID}
}

func (Audio) Kind() Kind { return KindAudio }

// Video carries one frame of raw or codec-compressed pixel data.
type Video struct {
	header
	PixelBytes  []byte
	Width       int
	Height      int
	PixelFormat string
	Codec       string // optional
	FrameNumber int64  // optional, -1 if unset
	IsKeyframe  bool
}

func NewVideo(sessionID string, ts time.Time, pixelBytes []byte, width, height int, pixelFormat string) Video {
	return Video{header: newHeader(sessionID, ts), PixelBytes: pixelBytes, Width: width, Height: height, PixelFormat: pixelFormat, FrameNumber: -1}
}

func (Video) Kind() Kind { return KindVideo }

// Tensor carries raw tensor bytes with an explicit shape and element type.
type Tensor struct {
	header
	Bytes []byte
	Shape []int
	DType DType
}

func NewTensor(sessionID string, ts time.Time, bytes []byte, shape []int, dtype DType) Tensor {
	return Tensor{header: newHeader(sessionID, ts), Bytes: bytes, Shape: shape, DType: dtype}
}

func (Tensor) Kind() Kind { return KindTensor }

// Text carries a UTF-8 string and an optional language tag.
type Text struct {
	header
	Text     string
	Language string // optional, empty if unset
}

func NewText(sessionID string, ts time.Time, text, language string) Text {
	return Text{header: newHeader(sessionID, ts), Text: text, Language: language}
}

func (Text) Kind() Kind { return KindText }

// JSON carries an arbitrary structured value.
type JSON struct {
	header
	Value any
}

func NewJSON(sessionID string, ts time.Time, value any) JSON {
	return JSON{header: newHeader(sessionID, ts), Value: value}
}

func (JSON) Kind() Kind { return KindJSON }

// Binary carries an opaque byte blob.
type Binary struct {
	header
	Bytes []byte
}

func NewBinary(sessionID string, ts time.Time, bytes []byte) Binary {
	return Binary{header: newHeader(sessionID, ts), Bytes: bytes}
}

func (Binary) Kind() Kind { return KindBinary }

// ControlType enumerates the Control variant's sub-types.
type ControlType string

const (
	ControlStart        ControlType = "start"
	ControlStop         ControlType = "stop"
	ControlCancel       ControlType = "cancel"
	ControlFlush        ControlType = "flush"
	ControlConfigUpdate ControlType = "config_update"
	ControlCustom       ControlType = "custom"
)

// Control carries a pipeline-wide control signal. Control values are never
// dropped by a bridge and are never reordered relative to data values.
type Control struct {
	header
	Type      ControlType
	SegmentID string // optional
	Metadata  map[string]any
}

func NewControl(sessionID string, ts time.Time, ctype ControlType) Control {
	return Control{header: newHeader(sessionID, ts), Type: ctype}
}

func (Control) Kind() Kind { return KindControl }
