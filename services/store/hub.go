package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	gw "github.com/gorilla/websocket"
)

// OrderUpdate é a mensagem enviada ao cliente quando o pedido muda de estado.
type OrderUpdate struct {
	PaymentIntentID string `json:"payment_intent_id"`
	OrderID         string `json:"order_id,omitempty"`
	Status          string `json:"status"`
}

type wsClient struct {
	hub      *Hub
	conn     *gw.Conn
	send     chan []byte
	intentID string
}

// Hub distribui atualizações de pedido para as conexões inscritas por
// payment intent. A página de checkout se inscreve com o intent id e recebe
// o resultado do commit sem polling.
type Hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan OrderUpdate
	done       chan struct{}
	clients    map[string]map[*wsClient]bool
}

// NewHub cria uma nova instância de Hub.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan OrderUpdate),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*wsClient]bool),
	}
}

// Run processa registros e broadcasts até o contexto encerrar. Fecha done na
// saída para liberar qualquer envio pendente nos canais do hub.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.intentID]
			if !ok {
				set = make(map[*wsClient]bool)
				h.clients[c.intentID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			if set, ok := h.clients[c.intentID]; ok {
				if _, exists := set[c]; exists {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.clients, c.intentID)
				}
			}
		case upd := <-h.broadcast:
			msg, _ := json.Marshal(upd)
			if set, ok := h.clients[upd.PaymentIntentID]; ok {
				for c := range set {
					select {
					case c.send <- msg:
					default:
						delete(set, c)
						close(c.send)
					}
				}
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			return
		}
	}
}

// BroadcastOrderUpdate publica a atualização sem bloquear o chamador.
func (h *Hub) BroadcastOrderUpdate(intentID, orderID, status string) {
	go h.offer(OrderUpdate{PaymentIntentID: intentID, OrderID: orderID, Status: status})
}

// offer entrega a atualização ao loop do hub, ou desiste se ele já encerrou.
func (h *Hub) offer(upd OrderUpdate) {
	select {
	case h.broadcast <- upd:
	case <-h.done:
	}
}

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// ServeWS registra a conexão para atualizações do payment intent informado.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, intentID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if intentID == "" {
		_ = conn.Close()
		return
	}

	client := &wsClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 8),
		intentID: intentID,
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(gw.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(gw.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
