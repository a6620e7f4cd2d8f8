// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	coretyne "github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/messages"
	"github.com/ursgro/neptyne-spreadsheet-sub000/tyne"
)

const (
	// wsWriteTimeout bounds a single frame write to a client.
	wsWriteTimeout = 10 * time.Second

	// wsSendBuffer is how many outbound messages may queue per client
	// before the connection is declared stuck and dropped.
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens at the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket attaches a client session to a tyne process. The
// whole collaboration protocol runs over this connection: the client
// sends spreadsheet messages, the server fans updates back out.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id := coretyne.ID(mux.Vars(r)["id"])
	if err := id.Validate(); err != nil {
		sendError(w, err)
		return
	}
	email, err := s.config.Auth.Authenticate(r)
	if err != nil {
		sendError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Infof("websocket upgrade for %s: %v", id, err)
		return
	}

	// Websockets do not survive an HTTP redirect, so a connection
	// landing on the wrong replica is told where to go and closed.
	if !s.config.Router.IsLocal(id) {
		data := websocket.FormatCloseMessage(
			websocket.ClosePolicyViolation, s.config.Router.OwnerHost(id))
		_ = conn.WriteControl(websocket.CloseMessage, data, time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
		return
	}

	// Check access before the open so an unauthorized connect never
	// starts a tyne process.
	md, err := s.config.State.GetTyne(r.Context(), id)
	if err != nil {
		s.closeWithError(conn, err)
		return
	}
	if err := s.canSubscribe(r.Context(), md, email); err != nil {
		s.closeWithError(conn, err)
		return
	}
	proc, err := s.config.Registry.Open(r.Context(), id)
	if err != nil {
		s.closeWithError(conn, err)
		return
	}

	sess := &wsSession{
		id:    uuid.NewString(),
		email: email,
		conn:  conn,
		out:   make(chan messages.Message, wsSendBuffer),
		done:  make(chan struct{}),
	}
	if err := sess.sendAuthReply(proc); err != nil {
		s.closeWithError(conn, err)
		return
	}
	if err := proc.Subscribe(sess); err != nil {
		s.closeWithError(conn, err)
		return
	}
	logger.Debugf("session %s (%s) attached to %s", sess.id, email, id)

	go sess.writeLoop()
	sess.readLoop(proc)

	if err := proc.Unsubscribe(sess.id); err != nil {
		logger.Debugf("detaching session %s: %v", sess.id, err)
	}
	close(sess.done)
	_ = conn.Close()
}

func (s *Server) closeWithError(conn *websocket.Conn, err error) {
	data := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
	if errors.Is(err, errors.Unauthorized) {
		data = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
	}
	_ = conn.WriteControl(websocket.CloseMessage, data, time.Now().Add(wsWriteTimeout))
	_ = conn.Close()
}

// wsSession is one connected client. It implements tyne.Subscriber;
// the process loop hands it messages which a dedicated writer goroutine
// drains, so a slow client never blocks the tyne.
type wsSession struct {
	id    string
	email string
	conn  *websocket.Conn
	out   chan messages.Message
	done  chan struct{}
}

// SessionID is part of the tyne.Subscriber interface.
func (s *wsSession) SessionID() string { return s.id }

// UserEmail is part of the tyne.Subscriber interface.
func (s *wsSession) UserEmail() string { return s.email }

// Send is part of the tyne.Subscriber interface. It never blocks; a
// client that cannot keep up loses the connection and reconnects with
// a fresh snapshot.
func (s *wsSession) Send(msg messages.Message) {
	select {
	case s.out <- msg:
	case <-s.done:
	default:
		logger.Warningf("session %s cannot keep up, dropping connection", s.id)
		_ = s.conn.Close()
	}
}

// sendAuthReply delivers the initial state the client renders from: the
// tyne metadata and the full content snapshot.
func (s *wsSession) sendAuthReply(proc *tyne.Process) error {
	md, err := proc.Metadata()
	if err != nil {
		return errors.Trace(err)
	}
	snapshot, err := proc.SnapshotJSON()
	if err != nil {
		return errors.Trace(err)
	}
	msg, err := messages.New(messages.MsgAuthReply, map[string]any{
		"session_id": s.id,
		"user_email": s.email,
		"metadata":   md,
		"content":    json.RawMessage(snapshot),
	})
	if err != nil {
		return errors.Trace(err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return errors.Trace(s.conn.WriteJSON(msg))
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				logger.Debugf("writing to session %s: %v", s.id, err)
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) readLoop(proc *tyne.Process) {
	for {
		var msg messages.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("reading from session %s: %v", s.id, err)
			}
			return
		}
		if msg.Header.MsgType == messages.MsgPing {
			if pong, err := messages.Reply(msg, messages.MsgPong, struct{}{}); err == nil {
				s.Send(pong)
			}
			continue
		}
		if err := proc.Handle(s.id, s.email, msg); err != nil {
			s.sendProtocolError(msg, err)
		}
	}
}

// sendProtocolError reports a rejected message back to its sender
// without disturbing the other subscribers.
func (s *wsSession) sendProtocolError(cause messages.Message, err error) {
	reply, rerr := messages.Reply(cause, messages.MsgKernelError, map[string]string{
		"ename":  "ProtocolError",
		"evalue": err.Error(),
	})
	if rerr != nil {
		return
	}
	s.Send(reply)
}
