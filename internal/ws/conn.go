package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/zkontrol/zkontrol-secure-communications/internal/auth"
	"github.com/zkontrol/zkontrol-secure-communications/internal/config"
	"github.com/zkontrol/zkontrol-secure-communications/internal/metrics"
	"github.com/zkontrol/zkontrol-secure-communications/internal/service"
)

// Deps 是实时层依赖的业务服务集合。
type Deps struct {
	Cfg   config.Config
	Users *service.UserService
	Rooms *service.RoomService
	Msgs  *service.MessageService
}

// Client 代表一条长连接。userID 在客户端发出 auth 事件并通过校验前保持为 0，
// 此前所有房间操作都会被拒绝；pending 里保存升级握手时从会话 token 解析出的用户。
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	deps    Deps
	pending uint
	userID  uint
	uname   string
	// closed 由 hub.mu 保护，防止 send 通道被重复关闭。
	closed bool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type inboundEvent struct {
	Type              string     `json:"type"`
	Name              string     `json:"name"`
	IsGroup           bool       `json:"isGroup"`
	RecipientIdentity string     `json:"recipientIdentity"`
	RoomID            uint       `json:"roomId"`
	Content           string     `json:"content"`
	ExpiresAt         *time.Time `json:"expiresAt"`
	MessageID         uint       `json:"messageId"`
	Emoji             string     `json:"emoji"`
}

// Serve 升级 WebSocket 连接。会话 token 在握手阶段解析（cookie、Bearer 头或
// token 查询参数），但连接要等客户端发出 auth 事件才真正绑定到用户。
func Serve(h *Hub, d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var pending uint
		if token := auth.TokenFromRequest(c.Request); token != "" {
			if claims, err := auth.ParseSessionToken(token, d.Cfg.SessionSecret); err == nil {
				pending = claims.UserID
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			id:      uuid.NewString(),
			hub:     h,
			conn:    conn,
			send:    make(chan []byte, 256),
			deps:    d,
			pending: pending,
		}
		h.Register(client)

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		rooms := c.hub.Unregister(c)
		_ = c.conn.Close()
		if c.userID != 0 {
			c.hub.BroadcastToRooms(rooms, map[string]interface{}{
				"type": "user_offline",
				"user": map[string]interface{}{"id": c.userID, "username": c.uname},
			})
		}
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in inboundEvent
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendError("invalid event")
			continue
		}
		c.dispatch(in)
	}
}

func (c *Client) dispatch(in inboundEvent) {
	if in.Type == "auth" {
		c.handleAuth()
		return
	}
	// 所有房间操作在路由前重查绑定，未绑定的连接只收到 error 事件。
	if c.userID == 0 {
		c.sendError("not authenticated")
		return
	}
	switch in.Type {
	case "create_room":
		c.handleCreateRoom(in)
	case "create_private_chat":
		c.handleCreatePrivateChat(in)
	case "join_room":
		c.handleJoinRoom(in)
	case "send_message":
		c.handleSendMessage(in)
	case "typing":
		c.handleTyping(in, "user_typing")
	case "stop_typing":
		c.handleTyping(in, "user_stop_typing")
	case "add_reaction":
		c.handleAddReaction(in)
	case "remove_reaction":
		c.handleRemoveReaction(in)
	case "get_user_stats":
		c.handleUserStats()
	default:
		c.sendError("unknown event type")
	}
}

// handleAuth 把连接绑定到会话用户：重读存储、确保并自动加入公共房间、
// 订阅全部所属房间并应答 auth_success。
func (c *Client) handleAuth() {
	if c.pending == 0 {
		c.sendError("not authenticated")
		return
	}
	user, err := c.deps.Users.ByID(c.pending)
	if err != nil {
		c.sendError("not authenticated")
		return
	}
	public, err := c.deps.Rooms.EnsurePublicRoom()
	if err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("ensure public room")
		c.sendError("failed to authenticate")
		return
	}
	if _, _, err := c.deps.Rooms.Join(public.ID, user.ID); err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("join public room")
		c.sendError("failed to authenticate")
		return
	}
	rooms, err := c.deps.Rooms.RoomsForUser(user.ID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("list rooms")
		c.sendError("failed to authenticate")
		return
	}

	c.hub.Bind(c, user.ID, user.DisplayName)

	roomIDs := make([]uint, 0, len(rooms))
	dtos := make([]service.RoomDTO, 0, len(rooms))
	for i := range rooms {
		c.hub.Subscribe(c, rooms[i].ID)
		roomIDs = append(roomIDs, rooms[i].ID)
		dtos = append(dtos, service.ToRoomDTO(&rooms[i], c.hub.Online(rooms[i].ID)))
	}

	userDTO := service.ToUserDTO(user)
	c.hub.Send(c, map[string]interface{}{
		"type":  "auth_success",
		"user":  userDTO,
		"rooms": dtos,
	})
	// 上线通知只发给共享房间，不做进程级广播。
	c.hub.BroadcastToRooms(roomIDs, map[string]interface{}{
		"type": "user_online",
		"user": userDTO,
	})
}

func (c *Client) handleCreateRoom(in inboundEvent) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > 128 {
		c.sendError("invalid room name")
		return
	}
	room, err := c.deps.Rooms.Create(name, in.IsGroup, c.userID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", c.userID).Str("name", name).Msg("create room")
		c.sendError("failed to create room")
		return
	}
	c.hub.SubscribeUser(c.userID, room.ID)
	c.hub.BroadcastToRoom(room.ID, map[string]interface{}{
		"type": "room_created",
		"room": service.ToRoomDTO(room, c.hub.Online(room.ID)),
	})
}

func (c *Client) handleCreatePrivateChat(in inboundEvent) {
	identity := strings.TrimSpace(in.RecipientIdentity)
	other, err := c.deps.Users.ByIdentityKey(identity)
	if err != nil {
		if err == service.ErrUserNotFound {
			c.hub.Send(c, map[string]interface{}{"type": "user_not_found", "identity": identity})
			return
		}
		log.Error().Err(err).Uint("user_id", c.userID).Msg("lookup recipient")
		c.sendError("failed to create private chat")
		return
	}
	room, created, err := c.deps.Rooms.EnsurePairwise(c.userID, other.ID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", c.userID).Uint("recipient_id", other.ID).Msg("ensure pairwise room")
		c.sendError("failed to create private chat")
		return
	}
	c.hub.SubscribeUser(c.userID, room.ID)
	c.hub.SubscribeUser(other.ID, room.ID)
	payload := map[string]interface{}{
		"type": "room_created",
		"room": service.ToRoomDTO(room, c.hub.Online(room.ID)),
	}
	if created {
		c.hub.BroadcastToRoom(room.ID, payload)
	} else {
		c.hub.Send(c, payload)
	}
}

func (c *Client) handleJoinRoom(in inboundEvent) {
	room, newly, err := c.deps.Rooms.Join(in.RoomID, c.userID)
	if err != nil {
		if err == service.ErrRoomNotFound {
			c.sendError("room not found")
			return
		}
		log.Error().Err(err).Uint("user_id", c.userID).Uint("room_id", in.RoomID).Msg("join room")
		c.sendError("failed to join room")
		return
	}
	c.hub.SubscribeUser(c.userID, room.ID)
	msgs, err := c.deps.Msgs.ListByRoom(room.ID, 50)
	if err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Msg("list messages")
		c.sendError("failed to join room")
		return
	}
	reactions, err := c.deps.Msgs.ReactionsForRoom(room.ID)
	if err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Msg("list reactions")
		c.sendError("failed to join room")
		return
	}
	roomDTO := service.ToRoomDTO(room, c.hub.Online(room.ID))
	c.hub.Send(c, map[string]interface{}{
		"type":      "room_joined",
		"room":      roomDTO,
		"messages":  msgs,
		"reactions": reactions,
	})
	if newly {
		c.hub.BroadcastToRoom(room.ID, map[string]interface{}{
			"type": "room_joined",
			"room": roomDTO,
			"user": map[string]interface{}{"id": c.userID, "username": c.uname},
		})
	}
}

func (c *Client) handleSendMessage(in inboundEvent) {
	msg, err := c.deps.Msgs.Post(in.RoomID, c.userID, in.Content, in.ExpiresAt)
	if err != nil {
		switch err {
		case service.ErrNotAMember:
			c.sendError("not a room member")
		case service.ErrRoomNotFound:
			c.sendError("room not found")
		case service.ErrInvalidExpiry:
			c.sendError("expiry must be in the future")
		default:
			log.Error().Err(err).Uint("user_id", c.userID).Uint("room_id", in.RoomID).Msg("post message")
			c.sendError("failed to send message")
		}
		return
	}
	metrics.WsMessagesTotal.Inc()
	c.hub.BroadcastToRoom(msg.RoomID, map[string]interface{}{
		"type":    "new_message",
		"message": msg,
	})
}

// handleTyping 转发打字指示，不落库。
func (c *Client) handleTyping(in inboundEvent, event string) {
	c.hub.BroadcastToRoom(in.RoomID, map[string]interface{}{
		"type":     event,
		"roomId":   in.RoomID,
		"username": c.uname,
	})
}

func (c *Client) handleAddReaction(in inboundEvent) {
	reaction, added, err := c.deps.Msgs.AddReaction(in.MessageID, c.userID, in.Emoji)
	if err != nil {
		switch err {
		case service.ErrMessageNotFound:
			c.sendError("message not found")
		case service.ErrNotAMember:
			c.sendError("not a room member")
		default:
			log.Error().Err(err).Uint("user_id", c.userID).Uint("message_id", in.MessageID).Msg("add reaction")
			c.sendError("failed to add reaction")
		}
		return
	}
	if !added {
		return
	}
	metrics.ReactionsTotal.Inc()
	c.hub.BroadcastToRoom(reaction.RoomID, map[string]interface{}{
		"type":     "reaction_added",
		"reaction": reaction,
	})
}

func (c *Client) handleRemoveReaction(in inboundEvent) {
	removed, err := c.deps.Msgs.RemoveReaction(in.MessageID, c.userID, in.Emoji)
	if err != nil {
		log.Error().Err(err).Uint("user_id", c.userID).Uint("message_id", in.MessageID).Msg("remove reaction")
		c.sendError("failed to remove reaction")
		return
	}
	// 没删到行就不广播，避免幂等调用触发假事件。
	if !removed {
		return
	}
	c.hub.BroadcastToRoom(in.RoomID, map[string]interface{}{
		"type":      "reaction_removed",
		"messageId": in.MessageID,
		"roomId":    in.RoomID,
		"userId":    c.userID,
		"username":  c.uname,
		"emoji":     in.Emoji,
	})
}

func (c *Client) handleUserStats() {
	stats, err := c.deps.Users.Stats(c.userID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", c.userID).Msg("user stats")
		c.sendError("failed to load stats")
		return
	}
	c.hub.Send(c, map[string]interface{}{
		"type":              "user_stats",
		"messageCount":      stats.MessageCount,
		"conversationCount": stats.ConversationCount,
		"activityStats":     stats.ActivityStats,
	})
}

// sendError 只回给事件发起方，失败不会影响连接本身。
func (c *Client) sendError(message string) {
	c.hub.Send(c, map[string]interface{}{"type": "error", "message": message})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
