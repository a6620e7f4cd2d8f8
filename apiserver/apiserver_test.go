// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	"github.com/ursgro/neptyne-spreadsheet-sub000/apiserver"
	"github.com/ursgro/neptyne-spreadsheet-sub000/blobstore"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	coretyne "github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/value"
	coretesting "github.com/ursgro/neptyne-spreadsheet-sub000/internal/testing"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/messages"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/transport"
	"github.com/ursgro/neptyne-spreadsheet-sub000/shard"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet"
	"github.com/ursgro/neptyne-spreadsheet-sub000/state"
	"github.com/ursgro/neptyne-spreadsheet-sub000/tyne"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
	aliceEmail = "alice@example.com"
	bobEmail   = "bob@example.com"
)

type ServerSuite struct {
	st       *state.State
	store    blobstore.Store
	hub      *pubsub.SimpleHub
	prov     *rpcProvisioner
	kernels  *kernel.Manager
	registry *tyne.Registry
	server   *apiserver.Server
	baseURL  string
}

var _ = gc.Suite(&ServerSuite{})

func (s *ServerSuite) SetUpTest(c *gc.C) {
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	c.Assert(err, jc.ErrorIsNil)
	// The in-memory database evaporates with its last connection.
	db.SetMaxOpenConns(1)
	s.st, err = state.NewState(db)
	c.Assert(err, jc.ErrorIsNil)

	s.store, err = blobstore.NewLocalStore(c.MkDir())
	c.Assert(err, jc.ErrorIsNil)
	s.hub = pubsub.NewSimpleHub(nil)
	s.prov = &rpcProvisioner{}
	s.kernels, err = kernel.NewManager(kernel.ManagerConfig{
		Clock:       clock.WallClock,
		Provisioner: s.prov,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.registry, err = tyne.NewRegistry(tyne.RegistryConfig{
		Clock:     clock.WallClock,
		Kernels:   s.kernels,
		Store:     s.store,
		State:     s.st,
		Hub:       s.hub,
		Evaluator: constEvaluator{},
	})
	c.Assert(err, jc.ErrorIsNil)

	s.startServer(c, s.singleShard(c), nil)
}

func (s *ServerSuite) singleShard(c *gc.C) *shard.Router {
	router, err := shard.NewRouter(1, 0, "")
	c.Assert(err, jc.ErrorIsNil)
	return router
}

func (s *ServerSuite) startServer(c *gc.C, router *shard.Router, forward func(http.ResponseWriter, *http.Request, string)) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	s.server, err = apiserver.NewServer(apiserver.Config{
		Listener: listener,
		Clock:    clock.WallClock,
		State:    s.st,
		Registry: s.registry,
		Router:   router,
		Auth: apiserver.NewTokenAuthenticator(map[string]string{
			aliceToken: aliceEmail,
			bobToken:   bobEmail,
		}),
		Gatherer: prometheus.NewRegistry(),
		Forward:  forward,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.baseURL = "http://" + s.server.Addr()
}

// restartServer replaces the running server, keeping state and registry.
func (s *ServerSuite) restartServer(c *gc.C, router *shard.Router, forward func(http.ResponseWriter, *http.Request, string)) {
	s.server.Kill()
	c.Assert(s.server.Wait(), jc.ErrorIsNil)
	s.startServer(c, router, forward)
}

func (s *ServerSuite) TearDownTest(c *gc.C) {
	if s.server != nil {
		s.server.Kill()
		c.Assert(s.server.Wait(), jc.ErrorIsNil)
		s.server = nil
	}
	if s.registry != nil {
		s.registry.Kill()
		_ = s.registry.Wait()
		s.registry = nil
	}
	if s.kernels != nil {
		s.kernels.Kill()
		_ = s.kernels.Wait()
		s.kernels = nil
	}
}

func (s *ServerSuite) createTyne(c *gc.C, owner string) coretyne.Metadata {
	md := coretyne.Metadata{
		ID:      coretyne.NewID(),
		Name:    "test tyne",
		OwnerID: owner,
		Version: 1,
		Created: time.Now(),
	}
	c.Assert(s.st.CreateTyne(context.Background(), md), jc.ErrorIsNil)
	return md
}

// constEvaluator answers every formula with 7 so websocket tests do not
// need a kernel round trip.
type constEvaluator struct{}

func (constEvaluator) Evaluate(context.Context, address.Address, string) (sheet.Result, error) {
	return sheet.Result{Value: value.NewNumber(7)}, nil
}

// rpcProvisioner is a scripted kernel that answers heartbeats and RPC
// invocations.
type rpcProvisioner struct {
	mu    sync.Mutex
	calls int
}

func (p *rpcProvisioner) rpcCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *rpcProvisioner) Provision(_ context.Context, _ coretyne.ID, _ bool) (transport.Wire, error) {
	local, remote := transport.Pipe()
	conn := transport.NewConnection(remote)

	_ = conn.OnMessage(messages.ChannelHeartbeat, func(m messages.Message) {
		if m.Header.MsgType != messages.MsgPing {
			return
		}
		if reply, err := messages.Reply(m, messages.MsgPong, struct{}{}); err == nil {
			reply.Channel = messages.ChannelHeartbeat
			_ = conn.Send(context.Background(), reply)
		}
	})
	_ = conn.OnMessage(messages.ChannelCommand, func(m messages.Message) {
		if m.Header.MsgType != messages.MsgRPCRequest {
			return
		}
		var content messages.RPCRequest
		if err := m.DecodeContent(&content); err != nil {
			return
		}
		p.mu.Lock()
		p.calls++
		p.mu.Unlock()
		reply, err := messages.Reply(m, messages.MsgExecuteResult, map[string]any{
			"result": fmt.Sprintf("%s(%d args)", content.Function, len(content.Args)),
		})
		if err != nil {
			return
		}
		reply.Channel = messages.ChannelBroadcast
		_ = conn.Send(context.Background(), reply)
	})
	return local, nil
}

func (s *ServerSuite) do(c *gc.C, method, path string, body any) (int, []byte) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		c.Assert(err, jc.ErrorIsNil)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.baseURL+path, reader)
	c.Assert(err, jc.ErrorIsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	return resp.StatusCode, data
}

func (s *ServerSuite) dialWebsocket(c *gc.C, id coretyne.ID, token string) *websocket.Conn {
	conn, err := s.tryDialWebsocket(id, token)
	c.Assert(err, jc.ErrorIsNil)
	return conn
}

func (s *ServerSuite) tryDialWebsocket(id coretyne.ID, token string) (*websocket.Conn, error) {
	url := "ws://" + s.server.Addr() + "/ws/0/api/tyne/" + id.String()
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func readUntil(c *gc.C, conn *websocket.Conn, msgType string) messages.Message {
	c.Assert(conn.SetReadDeadline(time.Now().Add(coretesting.LongWait)), jc.ErrorIsNil)
	for {
		var msg messages.Message
		err := conn.ReadJSON(&msg)
		c.Assert(err, jc.ErrorIsNil)
		if msg.Header.MsgType == msgType {
			return msg
		}
	}
}

// expectClose asserts the server closed the connection with the code.
func expectClose(c *gc.C, conn *websocket.Conn, code int) {
	c.Assert(conn.SetReadDeadline(time.Now().Add(coretesting.LongWait)), jc.ErrorIsNil)
	var msg messages.Message
	err := conn.ReadJSON(&msg)
	c.Assert(websocket.IsCloseError(errors.Cause(err), code), jc.IsTrue,
		gc.Commentf("unexpected read result: %v", err))
}

func (s *ServerSuite) TestWebsocketAuthRequired(c *gc.C) {
	md := s.createTyne(c, aliceEmail)
	_, err := s.tryDialWebsocket(md.ID, "")
	c.Assert(err, gc.NotNil)
	_, err = s.tryDialWebsocket(md.ID, "no-such-token")
	c.Assert(err, gc.NotNil)
}

func (s *ServerSuite) TestWebsocketSharingGovernsAccess(c *gc.C) {
	md := s.createTyne(c, aliceEmail)

	conn, err := s.tryDialWebsocket(md.ID, bobToken)
	c.Assert(err, jc.ErrorIsNil)
	expectClose(c, conn, websocket.ClosePolicyViolation)
	_ = conn.Close()

	err = s.st.SetShare(context.Background(), md.ID, bobEmail, "editor")
	c.Assert(err, jc.ErrorIsNil)
	conn = s.dialWebsocket(c, md.ID, bobToken)
	defer func() { _ = conn.Close() }()
	auth := readUntil(c, conn, messages.MsgAuthReply)
	var hello struct {
		UserEmail string `json:"user_email"`
	}
	c.Assert(auth.DecodeContent(&hello), jc.ErrorIsNil)
	c.Assert(hello.UserEmail, gc.Equals, bobEmail)
}

func (s *ServerSuite) TestWebsocketCollaboration(c *gc.C) {
	md := s.createTyne(c, aliceEmail)

	alice := s.dialWebsocket(c, md.ID, aliceToken)
	defer func() { _ = alice.Close() }()
	auth := readUntil(c, alice, messages.MsgAuthReply)
	var hello struct {
		UserEmail string          `json:"user_email"`
		Content   json.RawMessage `json:"content"`
	}
	c.Assert(auth.DecodeContent(&hello), jc.ErrorIsNil)
	c.Assert(hello.UserEmail, gc.Equals, aliceEmail)
	c.Assert(len(hello.Content) > 0, jc.IsTrue)

	second := s.dialWebsocket(c, md.ID, aliceToken)
	defer func() { _ = second.Close() }()
	readUntil(c, second, messages.MsgAuthReply)

	msg, err := messages.New(messages.MsgRunCells, messages.RunCells{
		Cells: []sheet.CellSnapshot{{Addr: address.New(0, 0, 0), Raw: "=6+1"}},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(alice.WriteJSON(msg), jc.ErrorIsNil)

	// The originator gets the update with the undo payload stapled on;
	// the other session gets the update without it.
	mine := readUntil(c, alice, messages.MsgCellUpdate)
	c.Assert(mine.Metadata[messages.MetaUndo], gc.NotNil)
	theirs := readUntil(c, second, messages.MsgCellUpdate)
	c.Assert(theirs.Metadata[messages.MetaUndo], gc.IsNil)

	var update messages.CellUpdate
	c.Assert(theirs.DecodeContent(&update), jc.ErrorIsNil)
	c.Assert(len(update.Updates) > 0, jc.IsTrue)
	c.Assert(strings.Contains(string(update.Updates[0].Value), "7"), jc.IsTrue)
}

func (s *ServerSuite) TestWebsocketPing(c *gc.C) {
	md := s.createTyne(c, aliceEmail)
	conn := s.dialWebsocket(c, md.ID, aliceToken)
	defer func() { _ = conn.Close() }()
	readUntil(c, conn, messages.MsgAuthReply)

	ping, err := messages.New(messages.MsgPing, struct{}{})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(conn.WriteJSON(ping), jc.ErrorIsNil)
	pong := readUntil(c, conn, messages.MsgPong)
	c.Assert(pong.ParentHeader.MsgID, gc.Equals, ping.Header.MsgID)
}

func (s *ServerSuite) TestWebsocketWrongShardCloses(c *gc.C) {
	md := s.createTyne(c, aliceEmail)

	// Pick a shard layout where this replica does not own the tyne.
	lookup, err := shard.NewRouter(2, 0, "")
	c.Assert(err, jc.ErrorIsNil)
	owner := lookup.Owner(md.ID)
	router, err := shard.NewRouter(2, (owner+1)%2, "")
	c.Assert(err, jc.ErrorIsNil)
	s.restartServer(c, router, nil)

	conn, err := s.tryDialWebsocket(md.ID, aliceToken)
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = conn.Close() }()
	expectClose(c, conn, websocket.ClosePolicyViolation)
}

func (s *ServerSuite) TestWebsocketUnknownTyne(c *gc.C) {
	conn, err := s.tryDialWebsocket(coretyne.ID("zzzzzzzzzz"), aliceToken)
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = conn.Close() }()
	expectClose(c, conn, websocket.CloseInternalServerErr)
}

func (s *ServerSuite) TestInvokeWithAPIKey(c *gc.C) {
	md := s.createTyne(c, aliceEmail)
	key, err := s.st.CreateAPIKey(context.Background(), md.ID, time.Now())
	c.Assert(err, jc.ErrorIsNil)

	invoke := "/api/v1/invoke/total?apiKey=" + key.Token
	status, body := s.do(c, "POST", invoke, map[string]any{"args": []int{2, 3}})
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(strings.Contains(string(body), "total(2 args)"), jc.IsTrue)

	// An identical call is served from the result cache without another
	// kernel round trip.
	status, _ = s.do(c, "POST", invoke, map[string]any{"args": []int{2, 3}})
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(s.prov.rpcCalls(), gc.Equals, 1)

	status, _ = s.do(c, "POST", "/api/v1/invoke/total?apiKey=bogus", nil)
	c.Assert(status, gc.Equals, http.StatusUnauthorized)

	status, _ = s.do(c, "POST", "/api/v1/invoke/total", nil)
	c.Assert(status, gc.Equals, http.StatusUnauthorized)
}

func (s *ServerSuite) TestInvokeForwardsToOwningShard(c *gc.C) {
	md := s.createTyne(c, aliceEmail)
	key, err := s.st.CreateAPIKey(context.Background(), md.ID, time.Now())
	c.Assert(err, jc.ErrorIsNil)

	lookup, err := shard.NewRouter(2, 0, "")
	c.Assert(err, jc.ErrorIsNil)
	owner := lookup.Owner(md.ID)
	router, err := shard.NewRouter(2, (owner+1)%2, "")
	c.Assert(err, jc.ErrorIsNil)

	var mu sync.Mutex
	var target string
	s.restartServer(c, router, func(w http.ResponseWriter, _ *http.Request, t string) {
		mu.Lock()
		target = t
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("forwarded"))
	})

	status, body := s.do(c, "POST", "/api/v1/invoke/total?apiKey="+key.Token, nil)
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(string(body), gc.Equals, "forwarded")
	mu.Lock()
	defer mu.Unlock()
	c.Assert(strings.Contains(target, fmt.Sprintf("neptyne-server-%d", owner)), jc.IsTrue)
}

func (s *ServerSuite) TestMetricsEndpoint(c *gc.C) {
	status, _ := s.do(c, "GET", "/metrics", nil)
	c.Assert(status, gc.Equals, http.StatusOK)
}
