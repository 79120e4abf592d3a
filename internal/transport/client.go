package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/missioncontrol/internal/obslog"
)

// clientFrame is the shape of a client-to-server frame: "refresh" asks
// the hub to re-scan a repo out of band (spec §4.8); "subscribe" is a
// supplemented convenience letting a client narrow its update stream
// to a subset of repos instead of receiving every repo's updates.
type clientFrame struct {
	Type  string   `json:"type"`
	Repo  string   `json:"repo"`
	Repos []string `json:"repos"`
}

// Client is one open websocket session. Writes go through send,
// serialized by a single writePump goroutine, so the connection is
// never written to concurrently from multiple goroutines.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  zerolog.Logger

	subMu sync.RWMutex
	subs  map[string]bool // nil/empty: subscribed to every repo
}

func (c *Client) writeRaw(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) wantsRepo(repo string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[repo]
}

func (c *Client) setSubscription(repos []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(repos) == 0 {
		c.subs = nil
		return
	}
	c.subs = make(map[string]bool, len(repos))
	for _, r := range repos {
		c.subs[r] = true
	}
}

// writePump drains send and pings the peer on idle, exiting (and
// closing the connection) once send is closed by the hub.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeRaw(data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump blocks reading client frames until the connection errors
// or closes, at which point it removes the client from the hub. Only
// one goroutine (this one) ever calls conn.ReadMessage.
func (c *Client) readPump() {
	defer c.hub.removeClient(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("session closed unexpectedly")
			} else {
				c.log.Info().Msg("session closed")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed client frame")
			continue
		}

		switch frame.Type {
		case "refresh":
			if frame.Repo == "" {
				continue
			}
			if err := c.hub.repos.Refresh(frame.Repo); err != nil {
				obslog.WithRepo(frame.Repo).Warn().Err(err).Msg("client-requested refresh failed")
			}
		case "subscribe":
			c.setSubscription(frame.Repos)
		default:
			c.log.Warn().Str("frameType", frame.Type).Msg("ignoring unknown client frame type")
		}
	}
}
