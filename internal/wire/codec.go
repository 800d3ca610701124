package wire

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ocx/pipelinert/internal/runtimedata"
)

// envelope is the msgpack-encoded form of a RuntimeData value: the kind
// tag plus a kind-specific payload struct. Unknown tags at decode time are
// rejected with ConversionFailed, per the spec's "reject unknown tags at
// the boundary" rule for crossing an executor boundary.
type envelope struct {
	Kind      runtimedata.Kind `msgpack:"kind"`
	SessionID string           `msgpack:"session_id"`
	Timestamp int64            `msgpack:"timestamp"`
	Audio     *audioPayload    `msgpack:"audio,omitempty"`
	Video     *videoPayload    `msgpack:"video,omitempty"`
	Tensor    *tensorPayload   `msgpack:"tensor,omitempty"`
	Text      *textPayload     `msgpack:"text,omitempty"`
	JSON      *jsonPayload     `msgpack:"json,omitempty"`
	Binary    *binaryPayload   `msgpack:"binary,omitempty"`
	Control   *controlPayload  `msgpack:"control,omitempty"`
}

type audioPayload struct {
	Samples    []float32 `msgpack:"samples"`
	SampleRate int       `msgpack:"sample_rate"`
	Channels   int       `msgpack:"channels"`
	StreamID   string    `msgpack:"stream_id,omitempty"`
}

type videoPayload struct {
	PixelBytes  []byte `msgpack:"pixel_bytes"`
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
	PixelFormat string `msgpack:"pixel_format"`
	Codec       string `msgpack:"codec,omitempty"`
	FrameNumber int64  `msgpack:"frame_number"`
	IsKeyframe  bool   `msgpack:"is_keyframe"`
}

type tensorPayload struct {
	Bytes []byte             `msgpack:"bytes"`
	Shape []int              `msgpack:"shape"`
	DType runtimedata.DType  `msgpack:"dtype"`
}

type textPayload struct {
	Text     string `msgpack:"text"`
	Language string `msgpack:"language,omitempty"`
}

type jsonPayload struct {
	Value interface{} `msgpack:"value"`
}

type binaryPayload struct {
	Bytes []byte `msgpack:"bytes"`
}

type controlPayload struct {
	Type      runtimedata.ControlType `msgpack:"type"`
	SegmentID string                  `msgpack:"segment_id,omitempty"`
	Metadata  map[string]interface{}  `msgpack:"metadata,omitempty"`
}

// Encode serializes a RuntimeData value to its msgpack boundary form, the
// payload the multiprocess and WASM executors carry across their
// boundaries.
func Encode(v runtimedata.Value) ([]byte, error) {
	env := envelope{
		Kind:      v.Kind(),
		SessionID: v.SessionID(),
		Timestamp: v.Timestamp().UnixNano(),
	}

	switch d := v.(type) {
	case runtimedata.Audio:
		env.Audio = &audioPayload{Samples: d.Samples, SampleRate: d.SampleRate, Channels: d.Channels, StreamID: d.StreamID}
	case runtimedata.Video:
		env.Video = &videoPayload{
			PixelBytes: d.PixelBytes, Width: d.Width, Height: d.Height,
			PixelFormat: d.PixelFormat, Codec: d.Codec, FrameNumber: d.FrameNumber, IsKeyframe: d.IsKeyframe,
		}
	case runtimedata.Tensor:
		env.Tensor = &tensorPayload{Bytes: d.Bytes, Shape: d.Shape, DType: d.DType}
	case runtimedata.Text:
		env.Text = &textPayload{Text: d.Text, Language: d.Language}
	case runtimedata.JSON:
		env.JSON = &jsonPayload{Value: d.Value}
	case runtimedata.Binary:
		env.Binary = &binaryPayload{Bytes: d.Bytes}
	case runtimedata.Control:
		env.Control = &controlPayload{Type: d.Type, SegmentID: d.SegmentID, Metadata: d.Metadata}
	default:
		return nil, fmt.Errorf("wire: unknown RuntimeData implementation %T", v)
	}

	out, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return out, nil
}

// Decode deserializes a RuntimeData value from its msgpack boundary form,
// rejecting any tag it does not recognize.
func Decode(data []byte) (runtimedata.Value, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}

	ts := time.Unix(0, env.Timestamp)

	switch env.Kind {
	case runtimedata.KindAudio:
		if env.Audio == nil {
			return nil, fmt.Errorf("wire: kind Audio missing audio payload")
		}
		return runtimedata.NewAudio(env.SessionID, ts, env.Audio.Samples, env.Audio.SampleRate, env.Audio.Channels, env.Audio.StreamID), nil
	case runtimedata.KindVideo:
		if env.Video == nil {
			return nil, fmt.Errorf("wire: kind Video missing video payload")
		}
		v := runtimedata.NewVideo(env.SessionID, ts, env.Video.PixelBytes, env.Video.Width, env.Video.Height, env.Video.PixelFormat)
		v.Codec = env.Video.Codec
		v.FrameNumber = env.Video.FrameNumber
		v.IsKeyframe = env.Video.IsKeyframe
		return v, nil
	case runtimedata.KindTensor:
		if env.Tensor == nil {
			return nil, fmt.Errorf("wire: kind Tensor missing tensor payload")
		}
		return runtimedata.NewTensor(env.SessionID, ts, env.Tensor.Bytes, env.Tensor.Shape, env.Tensor.DType), nil
	case runtimedata.KindText:
		if env.Text == nil {
			return nil, fmt.Errorf("wire: kind Text missing text payload")
		}
		return runtimedata.NewText(env.SessionID, ts, env.Text.Text, env.Text.Language), nil
	case runtimedata.KindJSON:
		if env.JSON == nil {
			return nil, fmt.Errorf("wire: kind Json missing json payload")
		}
		return runtimedata.NewJSON(env.SessionID, ts, env.JSON.Value), nil
	case runtimedata.KindBinary:
		if env.Binary == nil {
			return nil, fmt.Errorf("wire: kind Binary missing binary payload")
		}
		return runtimedata.NewBinary(env.SessionID, ts, env.Binary.Bytes), nil
	case runtimedata.KindControl:
		if env.Control == nil {
			return nil, fmt.Errorf("wire: kind Control missing control payload")
		}
		c := runtimedata.NewControl(env.SessionID, ts, env.Control.Type)
		c.SegmentID = env.Control.SegmentID
		c.Metadata = env.Control.Metadata
		return c, nil
	default:
		return nil, fmt.Errorf("wire: unrecognized RuntimeData kind tag %d", env.Kind)
	}
}
