package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeronode/zeronode/internal/ratelimit"
	"github.com/zeronode/zeronode/internal/site"
)

// WSMessage is a command from the site wrapper.
type WSMessage struct {
	Cmd    string          `json:"cmd"` // "siteInfo", "siteList", "fileGet", "channelJoin", "announcerStats"
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
}

// WSResponse answers the command with the same id.
type WSResponse struct {
	Cmd    string `json:"cmd"`
	To     int64  `json:"to"`
	Result any    `json:"result"`
}

// WSEvent is pushed to sessions that joined the site channel.
type WSEvent struct {
	Cmd    string     `json:"cmd"`
	Params site.Event `json:"params"`
}

// FileGetParams are the fileGet arguments.
type FileGetParams struct {
	InnerPath string `json:"inner_path"`
	Required  *bool  `json:"required"`
	Format    string `json:"format"`  // "text" or "base64"
	Timeout   int    `json:"timeout"` // seconds
}

const (
	wsReadLimit    = 1 << 20
	wsWriteTimeout = 10 * time.Second
	eventBuffer    = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one wrapper connection, scoped to the site its key resolves to.
type session struct {
	srv  *Server
	site *site.Site
	conn *websocket.Conn

	writeMu sync.Mutex
	events  chan site.Event
	done    chan struct{}
	joined  bool
}

// handleWebSocket upgrades a request carrying a valid wrapper key and serves
// wrapper commands until the socket closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	st, ok := s.sites.LookupKey(r.URL.Query().Get("wrapper_key"))
	if !ok {
		writeError(w, http.StatusForbidden, "invalid wrapper key")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] websocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sess := &session{
		srv:    s,
		site:   st,
		conn:   conn,
		events: make(chan site.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	defer sess.close()

	limiter := ratelimit.New(60, time.Minute)
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[gateway] websocket read error: %v", err)
			}
			return
		}
		if !limiter.Allow() {
			sess.reply(msg.ID, errorResult("rate limit exceeded"))
			continue
		}
		result, err := sess.dispatch(r.Context(), msg)
		if err != nil {
			result = errorResult(err.Error())
		}
		if err := sess.reply(msg.ID, result); err != nil {
			log.Printf("[gateway] websocket write error: %v", err)
			return
		}
	}
}

func errorResult(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func (ss *session) dispatch(ctx context.Context, msg WSMessage) (any, error) {
	switch msg.Cmd {
	case "siteInfo":
		return ss.site.Info(ctx)
	case "siteList":
		return ss.srv.sites.SiteInfoList(ctx)
	case "fileGet":
		var p FileGetParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return nil, fmt.Errorf("invalid fileGet params: %w", err)
		}
		return ss.fileGet(ctx, p)
	case "channelJoin":
		return ss.join(ctx)
	case "announcerStats":
		if ss.srv.trackers == nil {
			return map[string]any{}, nil
		}
		return ss.srv.trackers.Stats(), nil
	}
	return nil, fmt.Errorf("Unknown command: %s", msg.Cmd)
}

// fileGet returns the file contents, or nil when the file is not available.
func (ss *session) fileGet(ctx context.Context, p FileGetParams) (any, error) {
	required := p.Required == nil || *p.Required
	timeout := ss.srv.cfg.FetchTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Second
	}
	status, err := ss.site.FileGet(ctx, site.FileRequest{
		InnerPath: p.InnerPath,
		Required:  required,
		Timeout:   timeout,
	})
	if err != nil {
		return nil, err
	}
	if status != site.StatusReady {
		return nil, nil
	}
	body, err := readAll(ctx, ss.site, p.InnerPath)
	if err != nil {
		if errors.Is(err, site.ErrFileNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if p.Format == "base64" {
		return base64.StdEncoding.EncodeToString(body), nil
	}
	return string(body), nil
}

// join subscribes the session to site events and forwards them as
// setSiteInfo pushes.
func (ss *session) join(ctx context.Context) (any, error) {
	if ss.joined {
		return "ok", nil
	}
	if err := ss.site.ChannelJoin(ctx, ss.events); err != nil {
		return nil, err
	}
	ss.joined = true
	go func() {
		for {
			select {
			case ev := <-ss.events:
				if err := ss.write(WSEvent{Cmd: "setSiteInfo", Params: ev}); err != nil {
					return
				}
			case <-ss.done:
				return
			}
		}
	}()
	return "ok", nil
}

func (ss *session) reply(id int64, result any) error {
	return ss.write(WSResponse{Cmd: "response", To: id, Result: result})
}

func (ss *session) write(v any) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	ss.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return ss.conn.WriteJSON(v)
}

func (ss *session) close() {
	if ss.joined {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := ss.site.ChannelLeave(ctx, ss.events); err != nil && !errors.Is(err, site.ErrStopped) {
			log.Printf("[gateway] channel leave: %v", err)
		}
		cancel()
	}
	close(ss.done)
	ss.conn.Close()
}
