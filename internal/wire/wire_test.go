package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ocx/pipelinert/internal/runtimedata"
)

func TestCodec_RoundTripsEveryKind(t *testing.T) {
	now := time.Now().Round(time.Microsecond)

	values := []runtimedata.Value{
		runtimedata.NewAudio("s1", now, []float32{0.1, 0.2, 0.3}, 16000, 1, "stream-a"),
		runtimedata.NewVideo("s1", now, []byte{1, 2, 3, 4}, 64, 32, "rgb24"),
		runtimedata.NewTensor("s1", now, []byte{9, 8, 7}, []int{1, 3}, runtimedata.DTypeF32),
		runtimedata.NewText("s1", now, "hello world", "en"),
		runtimedata.NewJSON("s1", now, map[string]interface{}{"a": float64(1), "b": "two"}),
		runtimedata.NewBinary("s1", now, []byte{0xde, 0xad, 0xbe, 0xef}),
		runtimedata.NewControl("s1", now, runtimedata.ControlFlush),
	}

	for _, v := range values {
		encoded, err := Encode(v)
		require.NoError(t, err)

		decoded, err := Decode(encoded)
		require.NoError(t, err)

		assert.Equal(t, v.Kind(), decoded.Kind())
		assert.Equal(t, v.SessionID(), decoded.SessionID())
		assert.Equal(t, v.Timestamp().UnixNano(), decoded.Timestamp().UnixNano())
	}
}

func TestCodec_DecodeRejectsUnrecognizedKindTag(t *testing.T) {
	env := envelope{Kind: runtimedata.Kind(99), SessionID: "s1"}
	data, err := msgpack.Marshal(&env)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.Error(t, err)
}

func TestCodec_DecodeRejectsMissingPayloadForKind(t *testing.T) {
	env := envelope{Kind: runtimedata.KindText}
	data, err := msgpack.Marshal(&env)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.Error(t, err)
}

func TestFrame_MarshalUnmarshalRoundTrip(t *testing.T) {
	payload, err := Encode(runtimedata.NewText("sess-123", time.Now(), "payload body", ""))
	require.NoError(t, err)

	header := NewFrameHeader(runtimedata.KindText, "sess-123", time.Now())
	frame := &Frame{Header: header, Payload: payload}

	data, err := frame.Marshal()
	require.NoError(t, err)

	got, err := ReadFrame(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, runtimedata.KindText, got.Header.Kind)
	assert.Equal(t, payload, got.Payload)
	require.NoError(t, got.Header.Validate())
}

func TestFrame_UnmarshalRejectsBadMagic(t *testing.T) {
	header := NewFrameHeader(runtimedata.KindText, "s1", time.Now())
	frame := &Frame{Header: header, Payload: []byte("x")}
	data, err := frame.Marshal()
	require.NoError(t, err)

	data[0] = 0x00
	_, err = ReadFrame(bytes.NewReader(data))
	assert.Error(t, err)
}

func TestFrame_UnmarshalRejectsTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(make([]byte, HeaderSize-1)))
	assert.Error(t, err)
}

func TestCalculateCRC16_DetectsSingleByteCorruption(t *testing.T) {
	original := []byte("a stable payload to checksum")
	crc := CalculateCRC16(original)

	corrupted := append([]byte(nil), original...)
	corrupted[0] ^= 0xFF
	assert.NotEqual(t, crc, CalculateCRC16(corrupted))
}
