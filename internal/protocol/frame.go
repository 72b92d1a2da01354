package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"sudooom.collab/pkg/proto"
)

// WebTransport 流上的帧格式：4 字节大端长度 + 1 字节帧类型 + 载荷
const (
	HeaderSize   = 5
	MaxFrameSize = 1 << 20

	FrameTypeAuth      byte = 1
	FrameTypeEvent     byte = 2
	FrameTypeAuthAck   byte = 3
	FrameTypeHeartbeat byte = 4
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds max size")
	ErrUnexpectedAck = errors.New("unexpected frame while waiting for auth ack")
)

// Frame 一个完整的帧
type Frame struct {
	Type byte
	Body []byte
}

// AuthRequest 流上的第一个帧
type AuthRequest struct {
	Token     string `json:"token"`
	ProjectID string `json:"project_id"`
}

// AuthAck 认证结果，Code 为 0 表示成功
type AuthAck struct {
	Code      int    `json:"code"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Encode 构建帧
func Encode(frameType byte, body []byte) []byte {
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	frame[4] = frameType
	copy(frame[HeaderSize:], body)
	return frame
}

// EncodeJSON 把 v 序列化后构建帧
func EncodeJSON(frameType byte, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Encode(frameType, body), nil
}

// EncodeEnvelope 构建事件帧
func EncodeEnvelope(env *proto.Envelope) ([]byte, error) {
	body, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	return Encode(FrameTypeEvent, body), nil
}

// WriteFrame 写入一个帧
func WriteFrame(w io.Writer, frameType byte, body []byte) error {
	_, err := w.Write(Encode(frameType, body))
	return err
}

// ReadFrame 读取一个完整的帧
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{Type: header[4], Body: body}, nil
}

// Envelope 解析事件帧的载荷
func (f Frame) Envelope() (*proto.Envelope, error) {
	return proto.Unmarshal(f.Body)
}
