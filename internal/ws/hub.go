package ws

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zkontrol/zkontrol-secure-communications/internal/metrics"
)

// Hub 维护连接注册表和按房间划分的广播组。
// 连接→用户的绑定只是派生状态，重连时由存储层重建，与存储冲突时以存储为准。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[uint]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[uint]map[*Client]bool),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.WsConnections.Inc()
}

// Unregister 把连接从注册表和所有广播组移除，返回它之前订阅的房间。
func (h *Hub) Unregister(c *Client) []uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := h.removeLocked(c)
	return rooms
}

// Bind 在锁内写入连接→用户绑定，避免与 SubscribeUser 等读路径竞争。
func (h *Hub) Bind(c *Client, userID uint, uname string) {
	h.mu.Lock()
	c.userID = userID
	c.uname = uname
	h.mu.Unlock()
}

// Subscribe 把连接加入房间广播组，组不存在时懒加载。
func (h *Hub) Subscribe(c *Client, roomID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	group := h.rooms[roomID]
	if group == nil {
		group = make(map[*Client]bool)
		h.rooms[roomID] = group
	}
	group[c] = true
}

// SubscribeUser 把某用户当前在线的全部连接订阅到房间，用于单聊建立时拉入对方。
func (h *Hub) SubscribeUser(userID, roomID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.rooms[roomID]
	if group == nil {
		group = make(map[*Client]bool)
		h.rooms[roomID] = group
	}
	for _, c := range h.clients {
		if c.userID == userID && !c.closed {
			group[c] = true
		}
	}
}

// BroadcastToRoom 向房间广播组内的每个连接投递事件，慢消费者直接踢除。
func (h *Hub) BroadcastToRoom(roomID uint, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("marshal broadcast")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var dropped []*Client
	for c := range h.rooms[roomID] {
		select {
		case c.send <- b:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		h.removeLocked(c)
	}
}

// BroadcastToRooms 对多个房间重复同一事件，用于按共享房间范围通知上下线。
func (h *Hub) BroadcastToRooms(roomIDs []uint, payload interface{}) {
	for _, id := range roomIDs {
		h.BroadcastToRoom(id, payload)
	}
}

// Send 向单个连接投递事件，发不进去时按慢消费者处理。
func (h *Hub) Send(c *Client, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Msg("marshal event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		h.removeLocked(c)
	}
}

// RoomsOf 返回连接当前订阅的房间。
func (h *Hub) RoomsOf(c *Client) []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []uint
	for roomID, group := range h.rooms {
		if group[c] {
			out = append(out, roomID)
		}
	}
	return out
}

// Online 返回房间广播组内的连接数量。
func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// removeLocked 在持锁状态下摘除连接并关闭其发送通道，返回涉及的房间。
func (h *Hub) removeLocked(c *Client) []uint {
	var rooms []uint
	for roomID, group := range h.rooms {
		if group[c] {
			delete(group, c)
			rooms = append(rooms, roomID)
		}
		if len(group) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		metrics.WsConnections.Dec()
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return rooms
}
