package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	worldapp "npc-server/internal/app/world"
	domainworld "npc-server/internal/domain/world"
)

const (
	wsReadLimit  = 4096
	wsPongWait   = 60 * time.Second
	wsPingEvery  = 20 * time.Second
	wsWriteWait  = 10 * time.Second
	maxSayLength = 255
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// wsMessage is every client message; fields unused by a type are ignored.
type wsMessage struct {
	Type      string `json:"type"`
	Direction string `json:"direction"`
	Text      string `json:"text"`
	NPCID     uint32 `json:"npc_id"`
	worldapp.TradeRequest
}

func (h *Handler) worldWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing token"})
		return
	}
	claims, err := h.auth.ParseToken(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := h.world.RegisterClient(conn, claims.AccountID, claims.Name)
	go h.writePump(client)
	h.readPump(client)
}

func (h *Handler) readPump(client *worldapp.Client) {
	defer h.world.UnregisterClient(client)
	if client.Conn == nil {
		return
	}
	client.Conn.SetReadLimit(wsReadLimit)
	_ = client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.Conn.SetPongHandler(func(string) error {
		_ = client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var msg wsMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := h.handleMessage(client, msg); err != nil {
			h.world.SendError(client, err.Error())
		}
	}
}

func (h *Handler) handleMessage(client *worldapp.Client, msg wsMessage) error {
	switch msg.Type {
	case "join":
		return h.world.Join(client)
	case "move":
		dir, ok := domainworld.ParseDirection(msg.Direction)
		if !ok {
			return errors.New("invalid direction")
		}
		return h.world.Move(client, dir)
	case "say":
		text := strings.TrimSpace(msg.Text)
		if text == "" || len(text) > maxSayLength {
			return errors.New("text must be 1-255 characters")
		}
		return h.world.Say(client, text, msg.NPCID)
	case "close_channel":
		return h.world.CloseChannel(client, msg.NPCID)
	case "shop_buy":
		return h.world.ShopBuy(client, msg.NPCID, msg.TradeRequest)
	case "shop_sell":
		return h.world.ShopSell(client, msg.NPCID, msg.TradeRequest)
	case "shop_close":
		return h.world.ShopClose(client, msg.NPCID)
	default:
		return errors.New("unknown message type")
	}
}

func (h *Handler) writePump(client *worldapp.Client) {
	if client.Conn == nil {
		return
	}
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				_ = client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
