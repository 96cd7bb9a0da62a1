package httpapi

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/licensekit/internal/event"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// 單一連線可暫存的事件數，超過時丟棄
	eventBuffer = 64
)

type eventMessage struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Entity   string `json:"entity,omitempty"`
	Time     string `json:"time"`
}

func messageOf(ev event.Event) eventMessage {
	m := eventMessage{
		ID:       int(ev.ID),
		Name:     ev.ID.String(),
		Category: ev.Category.String(),
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if ev.Entity != nil {
		m.Entity = ev.Entity.ID()
	}
	return m
}

// events 將分派後的生命週期事件推送給 websocket 用戶端
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	id := uuid.New().String()
	log := a.log.With("client_id", id)
	log.Info("event client connected", "remote_addr", r.RemoteAddr)

	send := make(chan eventMessage, eventBuffer)
	cancel := a.core.Events().Tap(func(ev event.Event) {
		select {
		case send <- messageOf(ev):
		default:
			log.Warn("event client lagging, dropping event", "event_id", int(ev.ID))
		}
	})

	// 訂閱完成後先送出 ready，之後的事件不會遺漏
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(map[string]any{"ready": true, "client_id": id}); err != nil {
		cancel()
		conn.Close()
		return
	}

	// 讀取端只處理 pong 與關閉
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("event client read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
		log.Info("event client disconnected")
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
