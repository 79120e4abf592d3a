package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/missioncontrol/internal/registry"
)

type fakeRepoSource struct {
	states        map[string]*registry.RepoState
	refreshCalled chan string
}

func newFakeRepoSource() *fakeRepoSource {
	return &fakeRepoSource{
		states:        map[string]*registry.RepoState{"_pyrite": {WorkEfforts: nil}},
		refreshCalled: make(chan string, 8),
	}
}

func (f *fakeRepoSource) All() map[string]*registry.RepoState { return f.states }
func (f *fakeRepoSource) Refresh(name string) error {
	f.refreshCalled <- name
	return nil
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestServeWS_SendsInitFrameFirst(t *testing.T) {
	hub := New(newFakeRepoSource())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, FrameInit, frame["type"])
	assert.Contains(t, frame, "repos")
}

func TestBroadcastUpdate_ReachesConnectedClient(t *testing.T) {
	hub := New(newFakeRepoSource())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()
	readFrame(t, conn) // init

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, hub.ClientCount())

	hub.BroadcastUpdate("_pyrite", &registry.RepoState{Error: "boom"})

	frame := readFrame(t, conn)
	assert.Equal(t, FrameUpdate, frame["type"])
	assert.Equal(t, "_pyrite", frame["repo"])
	assert.Equal(t, "boom", frame["error"])
}

func TestBroadcastUpdate_RespectsSubscriptionFilter(t *testing.T) {
	hub := New(newFakeRepoSource())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()
	readFrame(t, conn) // init

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":  "subscribe",
		"repos": []string{"_quartz"},
	}))

	time.Sleep(100 * time.Millisecond)
	hub.BroadcastUpdate("_pyrite", &registry.RepoState{})

	hub.BroadcastRepoChange("added", &registry.RepoEntry{Name: "_quartz"}, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, FrameRepoChange, frame["type"])
}

func TestClientRefreshFrame_InvokesRepoSourceRefresh(t *testing.T) {
	repos := newFakeRepoSource()
	hub := New(repos)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()
	readFrame(t, conn) // init

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "refresh",
		"repo": "_pyrite",
	}))

	select {
	case name := <-repos.refreshCalled:
		assert.Equal(t, "_pyrite", name)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was never invoked")
	}
}

func TestBroadcastError_ReachesClient(t *testing.T) {
	hub := New(newFakeRepoSource())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()
	readFrame(t, conn) // init

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	hub.BroadcastError("_pyrite", "parse failed")
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame["type"])
	assert.Equal(t, "parse failed", frame["message"])
}

func TestRemoveClient_OnFullSendBufferClosesThatSessionOnly(t *testing.T) {
	hub := New(newFakeRepoSource())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	slowConn := dialHub(t, srv)
	defer slowConn.Close()
	readFrame(t, slowConn) // init

	fastConn := dialHub(t, srv)
	defer fastConn.Close()
	readFrame(t, fastConn) // init

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 2, hub.ClientCount())

	var slowClient *Client
	for c := range hub.clients {
		if c.conn == slowConn {
			slowClient = c
		}
	}
	require.NotNil(t, slowClient)
	// slowConn never reads, so frames this large fill the socket buffers
	// and block writePump; the send channel then stays full.
	big := make([]byte, 1<<20)
	for len(slowClient.send) < sendBufferSize {
		slowClient.send <- big
	}

	hub.BroadcastUpdate("_pyrite", &registry.RepoState{})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, hub.ClientCount())

	fastConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := fastConn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, FrameUpdate, frame["type"])
}
