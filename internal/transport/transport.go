// Package transport implements the Broadcaster/Transport component
// (spec §4.8): a hub of concurrent client sessions over a bidirectional
// JSON-frame websocket connection, fanning out repo snapshots and
// change events. Its client-set bookkeeping (map + mutex, copy before
// iterating, non-blocking per-client send) is the same shape as the
// teacher's pkg/events Broker; the wire itself is gorilla/websocket
// rather than Warren's gRPC+mTLS surface, since the spec requires
// JSON-encoded frames (see DESIGN.md for the full rationale).
package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cuemby/missioncontrol/internal/obslog"
	"github.com/cuemby/missioncontrol/internal/obsmetrics"
	"github.com/cuemby/missioncontrol/internal/registry"
)

// Frame type tags (spec §4.8).
const (
	FrameInit       = "init"
	FrameUpdate     = "update"
	FrameRepoChange = "repo_change"
	FrameError      = "error"
	FrameHotReload  = "hot_reload"
)

const (
	sendBufferSize = 32
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RepoSource is the slice of *registry.Registry the hub needs: an
// initial full snapshot plus an on-demand refresh trigger for client
// "refresh" frames. Narrowed to an interface so transport tests don't
// need a full Registry.
type RepoSource interface {
	All() map[string]*registry.RepoState
	Refresh(name string) error
}

// Hub owns the concurrent client set and is installed as the
// registry's Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	repos   RepoSource
}

// New constructs a Hub backed by repos for initial snapshots and
// client-triggered refreshes.
func New(repos RepoSource) *Hub {
	return &Hub{clients: make(map[*Client]bool), repos: repos}
}

// ClientCount returns the number of currently open sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the HTTP request to a websocket connection, sends
// the init frame, and starts the session's read/write pumps. New
// clients always receive init before any update/repo_change (spec
// §4.8): it is written synchronously here, before the client is added
// to the broadcast set.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obslog.WithComponent("transport").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sessionID := uuid.NewString()
	c := &Client{
		id:   sessionID,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  h,
		log:  obslog.WithSession(sessionID),
	}

	initFrame, err := json.Marshal(map[string]interface{}{
		"type":  FrameInit,
		"repos": h.repos.All(),
	})
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode init frame")
		conn.Close()
		return
	}
	if err := c.writeRaw(initFrame); err != nil {
		c.log.Warn().Err(err).Msg("failed to send init frame")
		conn.Close()
		return
	}

	h.addClient(c)
	c.log.Info().Msg("session opened")

	go c.writePump()
	c.readPump()
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	obsmetrics.BroadcastClients.Set(float64(n))
}

// removeClient closes c's send channel (exactly once, serialized
// under the hub lock so broadcast and readPump/writePump can race
// safely) and drops it from the active set.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		obsmetrics.BroadcastClients.Set(float64(n))
	}
}

func (h *Hub) snapshotClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// broadcast fans data out to every active client whose subscription
// (if any) includes repo. A full send buffer is treated as a
// back-pressure failure isolated to that one client: the client is
// dropped rather than blocking the broadcast for everyone else (spec
// §4.8, §5 "failures to send to one client must not block others").
func (h *Hub) broadcast(data []byte, repo string) {
	for _, c := range h.snapshotClients() {
		if repo != "" && !c.wantsRepo(repo) {
			continue
		}
		select {
		case c.send <- data:
		default:
			c.log.Warn().Str("repo", repo).Msg("client send buffer full, dropping session")
			h.removeClient(c)
			c.conn.Close()
		}
	}
}

// BroadcastUpdate implements registry.Sink.
func (h *Hub) BroadcastUpdate(repo string, state *registry.RepoState) {
	data, err := json.Marshal(map[string]interface{}{
		"type":        FrameUpdate,
		"repo":        repo,
		"workEfforts": state.WorkEfforts,
		"stats":       state.Stats,
		"error":       state.Error,
	})
	if err != nil {
		obslog.WithComponent("transport").Error().Err(err).Msg("failed to encode update frame")
		return
	}
	h.broadcast(data, repo)
}

// BroadcastRepoChange implements registry.Sink.
func (h *Hub) BroadcastRepoChange(action string, repo *registry.RepoEntry, repos []registry.RepoEntry) {
	payload := map[string]interface{}{"type": FrameRepoChange, "action": action}
	if repo != nil {
		payload["repo"] = repo
	}
	if repos != nil {
		payload["repos"] = repos
	}
	data, err := json.Marshal(payload)
	if err != nil {
		obslog.WithComponent("transport").Error().Err(err).Msg("failed to encode repo_change frame")
		return
	}
	h.broadcast(data, "")
}

// BroadcastError implements registry.Sink.
func (h *Hub) BroadcastError(repo, message string) {
	data, err := json.Marshal(map[string]interface{}{"type": FrameError, "repo": repo, "message": message})
	if err != nil {
		return
	}
	h.broadcast(data, repo)
}

// Shutdown closes every open session with a normal-closure control
// frame and drops them from the active set. Used during graceful
// shutdown (spec §5: "closes all client sessions with a normal-close
// code").
func (h *Hub) Shutdown() {
	for _, c := range h.snapshotClients() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"),
			time.Now().Add(writeWait))
		h.removeClient(c)
		c.conn.Close()
	}
}

// BroadcastHotReload sends the dev-only hot_reload signal to every
// client, unscoped by repo subscription (spec §4.2, §9: an optional
// developer convenience, inert unless DevAssetDir is configured).
func (h *Hub) BroadcastHotReload(file string) {
	data, err := json.Marshal(map[string]interface{}{"type": FrameHotReload, "file": file})
	if err != nil {
		return
	}
	h.broadcast(data, "")
}
