package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"worldsync/pkg/auth"
	"worldsync/pkg/httpx"
	"worldsync/pkg/reflector"
	"worldsync/pkg/session"
	"worldsync/pkg/stream"
	"worldsync/pkg/wire"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Close code sent when a concurrent handshake loses the duplicate race.
const closeDuplicateSession = 4009

// wsConn adapts a websocket connection to the registry's Conn interface.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, frame)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func bearerToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			return strings.TrimSpace(header[len("Bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// connectIdentity resolves the caller's identity for the handshake. Off mode
// takes identity from query parameters; every other mode requires a bearer
// token naming a session that is still live in the store.
func (s *Server) connectIdentity(w http.ResponseWriter, r *http.Request) (auth.Verdict, bool) {
	if strings.EqualFold(s.AuthMode, "off") {
		agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
		if agentID == "" {
			agentID = "anonymous"
		}
		sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		// Off-mode sessions are not provisioned in the store, so there is
		// no validity row to consult.
		return auth.Verdict{Valid: true, AgentID: agentID, SessionID: sessionID}, true
	}

	token := bearerToken(r)
	if token == "" {
		httpx.Error(w, http.StatusUnauthorized, "missing token")
		return auth.Verdict{}, false
	}
	verdict, err := s.Validator.ValidateToken(r.Context(), token, r.URL.Query().Get("provider"))
	if err != nil {
		if errors.Is(err, auth.ErrUnknownProvider) {
			httpx.Error(w, http.StatusUnauthorized, "unknown auth provider")
			return auth.Verdict{}, false
		}
		httpx.Error(w, http.StatusServiceUnavailable, "auth unavailable")
		return auth.Verdict{}, false
	}
	if !verdict.Valid {
		httpx.Error(w, http.StatusUnauthorized, "invalid token")
		return auth.Verdict{}, false
	}
	if verdict.AgentID == "" || verdict.SessionID == "" {
		httpx.Error(w, http.StatusUnauthorized, "token missing identity")
		return auth.Verdict{}, false
	}
	// A well-formed token can still name a revoked session.
	if s.Validity != nil {
		valid, err := s.Validity.SessionValid(r.Context(), verdict.SessionID)
		if err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "session store unavailable")
			return auth.Verdict{}, false
		}
		if !valid {
			httpx.Error(w, http.StatusUnauthorized, "session revoked")
			return auth.Verdict{}, false
		}
	}
	return verdict, true
}

// handleConnect is the websocket handshake. Identity resolution, session
// revocation, and the duplicate session check all happen before the upgrade
// so a rejected client gets a plain HTTP status, never a half-open socket.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	verdict, ok := s.connectIdentity(w, r)
	if !ok {
		return
	}
	if _, live := s.Sessions.Get(verdict.SessionID); live {
		httpx.Error(w, http.StatusConflict, "session already connected")
		return
	}

	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	wc := &wsConn{conn: conn, writeTimeout: s.WriteTimeout}

	// Two handshakes can pass the pre-upgrade check concurrently; Admit is
	// the atomic arbiter and the loser closes here.
	sess, err := s.Sessions.Admit(verdict.SessionID, verdict.AgentID, wc)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			_ = wc.Close(closeDuplicateSession, "session already connected")
		} else {
			_ = wc.Close(int(websocket.StatusInternalError), "admission failed")
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.Sessions.Remove(sess.ID, int(websocket.StatusNormalClosure), "closed")

	if err := s.ACL.Warm(ctx, sess.AgentID); err != nil {
		// Closed-world until a later warm succeeds; the session stays up.
		log.Printf("worldd: warm acl for %s: %v", sess.AgentID, err)
	}

	if err := s.sendEnvelope(ctx, wc, wire.KindSessionInfoResponse, wire.SessionInfoResponse{
		AgentID:   sess.AgentID,
		SessionID: sess.ID,
	}); err != nil {
		return
	}

	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)
	go s.forwardTicks(ctx, *sess, wc, sub)

	// Inbound frames for one connection are handled sequentially.
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.dispatch(ctx, *sess, wc, raw)
	}
}

// forwardTicks pushes tick snapshot events to this connection, filtered by
// the agent's current read permission on each event's group.
func (s *Server) forwardTicks(ctx context.Context, sess session.Session, wc *wsConn, sub chan stream.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Group != "" && !s.ACL.CanRead(sess.AgentID, evt.Group) {
				continue
			}
			env, err := wire.NewEnvelope(wire.KindTickSnapshot, evt.Data)
			if err != nil {
				continue
			}
			frame, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := wc.Send(ctx, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess session.Session, wc *wsConn, raw []byte) {
	env, body, err := wire.Decode(raw)
	if err != nil {
		var verr *wire.ValidationError
		if errors.As(err, &verr) {
			s.sendGeneralError(ctx, wc, "", verr.Error())
			return
		}
		s.sendGeneralError(ctx, wc, "", "malformed message")
		return
	}
	s.Metrics.IncMessageKind(env.Kind)
	started := time.Now()
	switch req := body.(type) {
	case wire.QueryRequest:
		s.handleQuery(ctx, sess, wc, req)
	case wire.ReflectPublishRequest:
		s.handleReflect(ctx, sess, wc, req)
	default:
		if env.Kind == wire.KindHeartbeat {
			s.handleHeartbeat(ctx, sess, wc)
		}
	}
	s.Metrics.ObserveLatency("ws:"+env.Kind, time.Since(started))
}

func (s *Server) handleHeartbeat(ctx context.Context, sess session.Session, wc *wsConn) {
	if err := s.Sessions.Heartbeat(sess.ID); err != nil {
		return
	}
	_ = s.sendEnvelope(ctx, wc, wire.KindHeartbeatAck, nil)
}

func (s *Server) handleQuery(ctx context.Context, sess session.Session, wc *wsConn, req wire.QueryRequest) {
	result, err := s.Proxy.Execute(ctx, sess.AgentID, req.Query, req.Parameters)
	resp := wire.QueryResponse{RequestID: req.RequestID}
	if err != nil {
		resp.ErrorMessage = err.Error()
	} else {
		resp.Result = result
	}
	_ = s.sendEnvelope(ctx, wc, wire.KindQueryResponse, resp)
}

func (s *Server) handleReflect(ctx context.Context, sess session.Session, wc *wsConn, req wire.ReflectPublishRequest) {
	delivered, err := s.Router.Publish(ctx, sess, req.SyncGroup, req.Channel, req.Payload)
	if err != nil && !errors.Is(err, reflector.ErrUnauthorized) &&
		!errors.Is(err, reflector.ErrRateLimited) && !errors.Is(err, reflector.ErrPayloadTooLarge) {
		s.sendGeneralError(ctx, wc, req.RequestID, "publish failed")
		return
	}
	if !req.RequestAcknowledgement && err == nil {
		return
	}
	ack := wire.ReflectAckResponse{
		RequestID: req.RequestID,
		SyncGroup: req.SyncGroup,
		Channel:   req.Channel,
		Delivered: delivered,
	}
	if err != nil {
		ack.ErrorMessage = err.Error()
	}
	_ = s.sendEnvelope(ctx, wc, wire.KindReflectAckResponse, ack)
}

func (s *Server) sendEnvelope(ctx context.Context, wc *wsConn, kind string, payload any) error {
	env, err := wire.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return wc.Send(ctx, frame)
}

func (s *Server) sendGeneralError(ctx context.Context, wc *wsConn, requestID, msg string) {
	_ = s.sendEnvelope(ctx, wc, wire.KindGeneralError, wire.GeneralError{
		RequestID:    requestID,
		ErrorMessage: msg,
	})
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
