package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/tgrelay/pkg/relay"
	"github.com/relayhq/tgrelay/pkg/session"
	"github.com/relayhq/tgrelay/pkg/upstream"
	"github.com/relayhq/tgrelay/pkg/upstream/upstreamtest"
)

var testCreds = upstream.Credentials{AppID: 12345, AppHash: "hash", Session: "token"}

func newTestGateway(t *testing.T, mode Mode, dialer *upstreamtest.Dialer) (*Gateway, *httptest.Server) {
	t.Helper()
	g := New(mode, session.NewManager(dialer), testCreds)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = g.HandleWS(w, r)
	}))
	t.Cleanup(srv.Close)
	return g, srv
}

func dialViewer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	frame, err := encodeFrame(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// expectNoFrame poisons the connection's read side; only call it as the last
// read in a test.
func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestSharedModeSubscribeDeliversOneChannelEvent(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	g, srv := newTestGateway(t, ModeShared, dialer)
	require.NoError(t, g.Bootstrap(context.Background()))

	conn := dialViewer(t, srv)
	writeFrame(t, conn, EventConnect, nil)
	require.Equal(t, EventConnectSuccess, readFrame(t, conn).Event)

	// One channel event and two that must be dropped.
	dialer.Dialed[0].Emit(upstream.Message{
		ID: 1, Text: "hello", Date: 1700000000, Peer: upstream.PeerChannel, PeerID: 42,
	})
	dialer.Dialed[0].Emit(upstream.Message{ID: 2, Text: "dm", Peer: upstream.PeerUser, PeerID: 9, Private: true})
	dialer.Dialed[0].Emit(upstream.Message{ID: 3, Text: "noise", Peer: upstream.PeerNone})

	f := readFrame(t, conn)
	require.Equal(t, EventSubscribe, f.Event)

	var msg relay.ChannelMessage
	require.NoError(t, json.Unmarshal(f.Payload, &msg))
	assert.Equal(t, relay.ChannelMessage{ID: 1, Text: "hello", Date: 1700000000, IsPrivate: false, ChannelID: 42}, msg)

	expectNoFrame(t, conn)
}

func TestSharedModeBroadcastReachesAllViewers(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	g, srv := newTestGateway(t, ModeShared, dialer)
	require.NoError(t, g.Bootstrap(context.Background()))

	first := dialViewer(t, srv)
	second := dialViewer(t, srv)
	writeFrame(t, first, EventConnect, nil)
	writeFrame(t, second, EventConnect, nil)
	require.Equal(t, EventConnectSuccess, readFrame(t, first).Event)
	require.Equal(t, EventConnectSuccess, readFrame(t, second).Event)

	dialer.Dialed[0].Emit(upstream.Message{ID: 5, Text: "fanout", Date: 1, Peer: upstream.PeerChannel, PeerID: 7})

	for _, conn := range []*websocket.Conn{first, second} {
		f := readFrame(t, conn)
		require.Equal(t, EventSubscribe, f.Event)
		var msg relay.ChannelMessage
		require.NoError(t, json.Unmarshal(f.Payload, &msg))
		assert.Equal(t, "fanout", msg.Text)
	}
}

func TestFetchMessagesStreamsTaggedHistory(t *testing.T) {
	dialer := &upstreamtest.Dialer{Factory: func() *upstreamtest.Client {
		return &upstreamtest.Client{
			Meta: upstream.ChannelMeta{ID: 42},
			HistoryMessages: []upstream.Message{
				{ID: 1, Text: "one", Date: 100},
				{ID: 2, Text: "two", Date: 200},
				{ID: 3, Text: "three", Date: 300},
			},
		}
	}}
	g, srv := newTestGateway(t, ModeShared, dialer)
	require.NoError(t, g.Bootstrap(context.Background()))

	conn := dialViewer(t, srv)
	writeFrame(t, conn, EventFetchMessages, map[string]interface{}{"channel": "testchan", "limit": 3})

	want := []string{"one", "two", "three"}
	for _, text := range want {
		f := readFrame(t, conn)
		require.Equal(t, EventFetchMessages, f.Event)
		var msg relay.ChannelMessage
		require.NoError(t, json.Unmarshal(f.Payload, &msg))
		assert.Equal(t, text, msg.Text)
		assert.Equal(t, int64(42), msg.ChannelID)
	}
	assert.Equal(t, 1, dialer.Dialed[0].ResolveCalls)
}

func TestFetchMessagesLenientLimit(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	g, srv := newTestGateway(t, ModeShared, dialer)
	require.NoError(t, g.Bootstrap(context.Background()))

	conn := dialViewer(t, srv)

	// String-typed numeric limit is accepted.
	writeFrame(t, conn, EventFetchMessages, map[string]interface{}{"channel": "testchan", "limit": "7"})
	writeFrame(t, conn, EventSendMessage, relay.OutgoingMessage{Recipient: "x", Message: "sync"})
	require.Equal(t, EventSendMessage, readFrame(t, conn).Event)
	assert.Equal(t, 7, dialer.Dialed[0].LastLimit)

	// Garbage limit falls back to the default.
	writeFrame(t, conn, EventFetchMessages, map[string]interface{}{"channel": "testchan", "limit": "lots"})
	writeFrame(t, conn, EventSendMessage, relay.OutgoingMessage{Recipient: "x", Message: "sync"})
	require.Equal(t, EventSendMessage, readFrame(t, conn).Event)
	assert.Equal(t, session.DefaultHistoryLimit, dialer.Dialed[0].LastLimit)
}

func TestSendMessageEchoAndErrors(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	g, srv := newTestGateway(t, ModeShared, dialer)
	require.NoError(t, g.Bootstrap(context.Background()))

	conn := dialViewer(t, srv)

	writeFrame(t, conn, EventSendMessage, relay.OutgoingMessage{Recipient: "@chan", Message: "hi"})
	f := readFrame(t, conn)
	require.Equal(t, EventSendMessage, f.Event)
	var echo relay.OutgoingMessage
	require.NoError(t, json.Unmarshal(f.Payload, &echo))
	assert.Equal(t, relay.OutgoingMessage{Recipient: "@chan", Message: "hi"}, echo)

	// Missing fields never reach the session manager.
	writeFrame(t, conn, EventSendMessage, relay.OutgoingMessage{Recipient: "", Message: "hi"})
	f = readFrame(t, conn)
	require.Equal(t, EventSendMessageError, f.Event)
	var perr ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &perr))
	assert.Contains(t, perr.Reason, "recipient")
	assert.Equal(t, 1, dialer.Dialed[0].SendCalls)
}

func TestFetchErrorCarriesRequestPayload(t *testing.T) {
	dialer := &upstreamtest.Dialer{Factory: func() *upstreamtest.Client {
		return &upstreamtest.Client{ResolveErr: relay.ErrChannelNotFound}
	}}
	g, srv := newTestGateway(t, ModeShared, dialer)
	require.NoError(t, g.Bootstrap(context.Background()))

	conn := dialViewer(t, srv)
	writeFrame(t, conn, EventFetchMessages, map[string]interface{}{"channel": "nosuch", "limit": 1})

	f := readFrame(t, conn)
	require.Equal(t, EventFetchMessagesError, f.Event)
	var perr ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &perr))
	assert.Contains(t, perr.Reason, "channel not found")
	assert.Contains(t, string(perr.Request), "nosuch")
}

func TestPerViewerDisconnectTearsDownOwnedSession(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	g, srv := newTestGateway(t, ModePerViewer, dialer)

	conn := dialViewer(t, srv)
	writeFrame(t, conn, EventConnect, ConnectRequest{AppID: 12345, AppHash: "hash", Session: "token"})
	require.Equal(t, EventConnectSuccess, readFrame(t, conn).Event)
	require.Equal(t, 1, dialer.DialCalls())

	conn.Close()

	require.Eventually(t, func() bool {
		return dialer.Dialed[0].CloseCalls == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, g.Hub().Len())
}

func TestPerViewerEventsOnlyReachOwner(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	_, srv := newTestGateway(t, ModePerViewer, dialer)

	owner := dialViewer(t, srv)
	other := dialViewer(t, srv)

	writeFrame(t, owner, EventConnect, ConnectRequest{AppID: 1, AppHash: "h", Session: "s"})
	require.Equal(t, EventConnectSuccess, readFrame(t, owner).Event)
	writeFrame(t, owner, EventSubscribe, nil)

	writeFrame(t, other, EventConnect, ConnectRequest{AppID: 2, AppHash: "h", Session: "s"})
	require.Equal(t, EventConnectSuccess, readFrame(t, other).Event)

	// Make sure the owner's subscribe frame has been processed before
	// emitting: request/response on the same connection is ordered.
	writeFrame(t, owner, EventSendMessage, relay.OutgoingMessage{Recipient: "x", Message: "sync"})
	require.Equal(t, EventSendMessage, readFrame(t, owner).Event)

	dialer.Dialed[0].Emit(upstream.Message{ID: 1, Text: "mine", Date: 1, Peer: upstream.PeerChannel, PeerID: 3})

	f := readFrame(t, owner)
	require.Equal(t, EventSubscribe, f.Event)
	expectNoFrame(t, other)
}

func TestExternalModeNeverReplacesProcessSession(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	g, srv := newTestGateway(t, ModeExternal, dialer)
	require.NoError(t, g.Bootstrap(context.Background()))

	conn := dialViewer(t, srv)
	writeFrame(t, conn, EventConnect, ConnectRequest{AppID: 999, AppHash: "other", Session: "other"})
	require.Equal(t, EventConnectSuccess, readFrame(t, conn).Event)

	assert.Equal(t, 1, dialer.DialCalls())
	assert.Equal(t, 0, dialer.Dialed[0].CloseCalls)
}

func TestSharedModeConnectWithCredentialsReplacesSession(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	g, srv := newTestGateway(t, ModeShared, dialer)
	require.NoError(t, g.Bootstrap(context.Background()))

	conn := dialViewer(t, srv)
	writeFrame(t, conn, EventConnect, ConnectRequest{AppID: 999, AppHash: "other", Session: "other"})
	require.Equal(t, EventConnectSuccess, readFrame(t, conn).Event)

	require.Equal(t, 2, dialer.DialCalls())
	assert.Equal(t, 1, dialer.Dialed[0].CloseCalls)
	assert.Equal(t, upstream.Credentials{AppID: 999, AppHash: "other", Session: "other"}, dialer.Creds[1])

	// Broadcast fan-out survives the replacement.
	dialer.Dialed[1].Emit(upstream.Message{ID: 1, Text: "still here", Date: 1, Peer: upstream.PeerChannel, PeerID: 4})
	f := readFrame(t, conn)
	require.Equal(t, EventSubscribe, f.Event)
}

func TestSharedModeConcurrentReplacesKeepProcessSessionLive(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	g, srv := newTestGateway(t, ModeShared, dialer)
	require.NoError(t, g.Bootstrap(context.Background()))

	first := dialViewer(t, srv)
	second := dialViewer(t, srv)

	// Two credential-bearing connects race to replace the process session.
	writeFrame(t, first, EventConnect, ConnectRequest{AppID: 111, AppHash: "a", Session: "sa"})
	writeFrame(t, second, EventConnect, ConnectRequest{AppID: 222, AppHash: "b", Session: "sb"})
	require.Equal(t, EventConnectSuccess, readFrame(t, first).Event)
	require.Equal(t, EventConnectSuccess, readFrame(t, second).Event)

	// Whichever replacement won, the gateway must route requests through the
	// session the manager actually holds, never a stale handle.
	require.Same(t, g.manager.Get(ProcessOwner), g.ProcessSession())

	writeFrame(t, first, EventSendMessage, relay.OutgoingMessage{Recipient: "x", Message: "after race"})
	require.Equal(t, EventSendMessage, readFrame(t, first).Event)
}

func TestConnectAcceptsSessionTokenSpelling(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	_, srv := newTestGateway(t, ModePerViewer, dialer)

	conn := dialViewer(t, srv)
	writeFrame(t, conn, EventConnect, map[string]interface{}{
		"appId": 12345, "appHash": "hash", "sessionToken": "token",
	})
	require.Equal(t, EventConnectSuccess, readFrame(t, conn).Event)
	require.Equal(t, 1, dialer.DialCalls())
	assert.Equal(t, "token", dialer.Creds[0].Session)
}

func TestConnectErrorIsDeliveredNotFatal(t *testing.T) {
	dialer := &upstreamtest.Dialer{}
	_, srv := newTestGateway(t, ModePerViewer, dialer)

	conn := dialViewer(t, srv)
	writeFrame(t, conn, EventConnect, ConnectRequest{AppID: -1, AppHash: "", Session: ""})

	f := readFrame(t, conn)
	require.Equal(t, EventConnectError, f.Event)
	var perr ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &perr))
	assert.Contains(t, perr.Reason, "invalid credentials")
	assert.Equal(t, 0, dialer.DialCalls())

	// The socket is still usable after the failure.
	writeFrame(t, conn, EventSendMessage, relay.OutgoingMessage{Recipient: "x", Message: "y"})
	f = readFrame(t, conn)
	require.Equal(t, EventSendMessageError, f.Event)
}
