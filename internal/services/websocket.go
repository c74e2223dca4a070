package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"flowpilot/pkg/utils"
)

type WebSocketMessage struct {
	Type           string      `json:"type"`
	Data           interface{} `json:"data"`
	ConversationID uint        `json:"conversation_id"`
	Timestamp      time.Time   `json:"timestamp"`
}

type WebSocketClient struct {
	ID             string
	ConversationID uint
	UserID         uint
	Conn           *websocket.Conn
	Send           chan WebSocketMessage
	Hub            *WebSocketHub
}

// WebSocketHub fans inbound chat messages into the store and the
// automation event path, and fans automation output back out to the
// connected clients of each conversation.
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	mutex      sync.RWMutex

	conversations *ConversationService
	scheduler     *Scheduler
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checks belong to the deployment proxy
	},
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		broadcast:  make(chan WebSocketMessage),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
	}
}

// SetConversationService injects the store used to persist chat messages.
func (h *WebSocketHub) SetConversationService(svc *ConversationService) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.conversations = svc
}

// SetScheduler injects the automation event path. Without it the hub only
// persists and broadcasts.
func (h *WebSocketHub) SetScheduler(s *Scheduler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.scheduler = s
}

func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			logrus.Infof("Client %s connected to conversation %d", client.ID, client.ConversationID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				logrus.Infof("Client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.RLock()
			for _, client := range h.clients {
				if message.ConversationID == 0 || client.ConversationID == message.ConversationID {
					select {
					case client.Send <- message:
					default:
						close(client.Send)
						delete(h.clients, client.ID)
					}
				}
			}
			h.mutex.RUnlock()
		}
	}
}

func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Error("WebSocket upgrade failed:", err)
		return
	}

	conversationID, _ := strconv.ParseUint(c.Query("conversation_id"), 10, 32)
	userID, _ := strconv.ParseUint(c.Query("user_id"), 10, 32)

	client := &WebSocketClient{
		ID:             fmt.Sprintf("client_%s", utils.GenerateID()[:12]),
		ConversationID: uint(conversationID),
		UserID:         uint(userID),
		Conn:           conn,
		Send:           make(chan WebSocketMessage, 256),
		Hub:            h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(8192)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket error: %v", err)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			logrus.Error("Invalid message format:", err)
			continue
		}

		message.ConversationID = c.ConversationID
		message.Timestamp = time.Now()

		switch message.Type {
		case "chat-message":
			c.handleChatMessage(message)
		default:
			logrus.Warnf("Unknown message type: %s", message.Type)
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				logrus.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleChatMessage persists the inbound message, broadcasts it to the
// conversation, then hands it to the automation event path.
func (c *WebSocketClient) handleChatMessage(message WebSocketMessage) {
	content := extractContent(message.Data)
	if content == "" {
		return
	}

	hub := c.Hub
	hub.mutex.RLock()
	conversations := hub.conversations
	scheduler := hub.scheduler
	hub.mutex.RUnlock()

	if conversations == nil {
		logrus.Warn("WebSocket hub has no conversation service; dropping message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := conversations.PostUserMessage(ctx, c.ConversationID, c.UserID, content)
	if err != nil {
		logrus.Warnf("Failed to persist chat message: %v", err)
		return
	}

	c.Hub.broadcast <- message

	if scheduler != nil {
		// automation dispatch can be slow (AI calls); keep the read pump free
		go func() {
			evalCtx, evalCancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer evalCancel()
			scheduler.ProcessMessage(evalCtx, msg)
		}()
	}
}

func extractContent(data interface{}) string {
	switch v := data.(type) {
	case map[string]interface{}:
		if s, ok := v["content"].(string); ok {
			return s
		}
	case string:
		return v
	}
	return ""
}

func (h *WebSocketHub) SendToConversation(conversationID uint, message WebSocketMessage) {
	h.broadcast <- WebSocketMessage{
		Type:           message.Type,
		Data:           message.Data,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
	}
}

func (h *WebSocketHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
