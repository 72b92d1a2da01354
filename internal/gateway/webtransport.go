package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.collab/internal/protocol"
	apperrors "sudooom.collab/pkg/errors"
)

// setupWebTransport 创建 WebTransport 服务器，客户端只使用一个双向流，首帧必须是认证帧
func (s *Server) setupWebTransport() error {
	tlsConfig, err := loadTLSConfig(s.cfg.WebTransport, s.logger)
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  s.cfg.WebTransport.MaxIdleTimeout,
		KeepAlivePeriod: s.cfg.WebTransport.KeepAlivePeriod,
		EnableDatagrams: true, // WebTransport 需要启用数据报支持
	}

	s.wtServer = &webtransport.Server{
		H3: http3.Server{
			Addr:       s.cfg.WebTransport.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		if err := s.accepting(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		session, err := s.wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleWTSession(session)
	})
	s.wtServer.H3.Handler = mux
	return nil
}

func (s *Server) handleWTSession(session *webtransport.Session) {
	defer s.wg.Done()

	// 首个 stream 必须在超时内打开
	ctx, cancel := context.WithTimeout(s.ctx, authTimeout)
	stream, err := session.AcceptStream(ctx)
	cancel()
	if err != nil {
		_ = session.CloseWithError(0, "no stream")
		return
	}

	identity, projectID, err := s.authenticateStream(stream)
	if err != nil {
		s.logger.Warn("WebTransport auth failed", "error", err)
		ack, _ := json.Marshal(protocol.AuthAck{
			Code:    apperrors.GetCode(err),
			Message: apperrors.GetMessage(err),
		})
		_ = protocol.WriteFrame(stream, protocol.FrameTypeAuthAck, ack)
		_ = session.CloseWithError(4001, "auth failed")
		return
	}

	writer := &wtWriter{session: session, stream: stream}
	sess := newSession(identity, projectID, "webtransport", writer, s.logger)

	// 认证响应先于任何事件写出
	ack, _ := json.Marshal(protocol.AuthAck{
		Code:      apperrors.CodeSuccess,
		Message:   "ok",
		SessionID: sess.ID(),
		UserID:    identity.UserID,
	})
	if err := writer.writeFrame(protocol.FrameTypeAuthAck, ack); err != nil {
		sess.Close()
		return
	}

	s.register(sess)
	s.serveWTStream(sess, writer, stream)
}

// authenticateStream 读取并校验认证帧
func (s *Server) authenticateStream(stream *webtransport.Stream) (Identity, string, error) {
	if err := s.accepting(); err != nil {
		return Identity{}, "", err
	}

	_ = stream.SetReadDeadline(time.Now().Add(authTimeout))
	defer stream.SetReadDeadline(time.Time{})

	frame, err := protocol.ReadFrame(stream)
	if err != nil {
		return Identity{}, "", apperrors.ErrAuthRequired.Wrap(err)
	}
	if frame.Type != protocol.FrameTypeAuth {
		return Identity{}, "", apperrors.ErrAuthRequired
	}

	var req protocol.AuthRequest
	if err := json.Unmarshal(frame.Body, &req); err != nil {
		return Identity{}, "", apperrors.ErrAuthRequired.Wrap(err)
	}
	if req.ProjectID == "" {
		return Identity{}, "", apperrors.ErrProjectMissing
	}

	claims, err := s.deps.Auth.Parse(req.Token)
	if err != nil {
		return Identity{}, "", err
	}
	return Identity{UserID: claims.UserID, UserName: claims.UserName}, req.ProjectID, nil
}

// serveWTStream 认证后的读循环，阻塞直到流关闭
func (s *Server) serveWTStream(sess *Session, writer *wtWriter, stream *webtransport.Stream) {
	defer s.disconnect(sess)

	for {
		frame, err := protocol.ReadFrame(stream)
		if err != nil {
			sess.logger.Debug("WebTransport stream closed", "error", err)
			return
		}
		sess.Touch()

		switch frame.Type {
		case protocol.FrameTypeHeartbeat:
			if err := writer.writeFrame(protocol.FrameTypeHeartbeat, nil); err != nil {
				return
			}
		case protocol.FrameTypeEvent:
			env, err := frame.Envelope()
			if err != nil {
				sess.logger.Warn("Malformed envelope ignored", "error", err)
				continue
			}
			s.dispatch(sess, env)
		default:
			sess.logger.Warn("Unknown frame type", "type", frame.Type)
		}
	}
}
