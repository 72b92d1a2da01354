package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.collab/pkg/proto"
)

func TestEncodeHeader(t *testing.T) {
	frame := Encode(FrameTypeAuth, []byte("abc"))

	require.Len(t, frame, HeaderSize+3)
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(frame[:4]))
	assert.Equal(t, FrameTypeAuth, frame[4])
	assert.Equal(t, []byte("abc"), frame[HeaderSize:])
}

func TestReadFrame_Sequence(t *testing.T) {
	env, err := proto.NewEnvelope(proto.EventLockSection, "p1", proto.SectionRef{SectionID: "s1"})
	require.NoError(t, err)
	eventFrame, err := EncodeEnvelope(env)
	require.NoError(t, err)
	authFrame, err := EncodeJSON(FrameTypeAuth, AuthRequest{Token: "t", ProjectID: "p1"})
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.Write(authFrame)
	buf.Write(eventFrame)
	require.NoError(t, WriteFrame(&buf, FrameTypeHeartbeat, nil))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeAuth, f.Type)

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeEvent, f.Type)
	got, err := f.Envelope()
	require.NoError(t, err)
	assert.Equal(t, proto.EventLockSection, got.Event)
	assert.Equal(t, "p1", got.ProjectID)

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeHeartbeat, f.Type)
	assert.Empty(t, f.Body)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_TooLarge(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	header[4] = FrameTypeEvent

	_, err := ReadFrame(bytes.NewReader(header))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestReadFrame_Truncated(t *testing.T) {
	frame := Encode(FrameTypeEvent, []byte(`{"event":"x"}`))

	_, err := ReadFrame(bytes.NewReader(frame[:len(frame)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
