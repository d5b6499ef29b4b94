package service

import (
	"errors"
	"time"

	"github.com/zkontrol/zkontrol-secure-communications/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageService 封装消息与表情回应相关的业务逻辑。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID        uint       `json:"id"`
	RoomID    uint       `json:"roomId"`
	UserID    uint       `json:"userId"`
	Username  string     `json:"username"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ReactionDTO 是对外输出的表情回应数据。
type ReactionDTO struct {
	ID        uint   `json:"id"`
	MessageID uint   `json:"messageId"`
	RoomID    uint   `json:"roomId"`
	UserID    uint   `json:"userId"`
	Username  string `json:"username"`
	Emoji     string `json:"emoji"`
}

// Post 校验发信人是房间成员后落库，返回带服务端 id 与时间戳的消息。
// expiresAt 可选，设置时必须晚于当前时间。
func (s *MessageService) Post(roomID, userID uint, content string, expiresAt *time.Time) (*MessageDTO, error) {
	var member int64
	err := s.db.Model(&models.RoomMembership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&member).Error
	if err != nil {
		return nil, err
	}
	if member == 0 {
		var room int64
		if err := s.db.Model(&models.Room{}).Where("id = ?", roomID).Count(&room).Error; err != nil {
			return nil, err
		}
		if room == 0 {
			return nil, ErrRoomNotFound
		}
		return nil, ErrNotAMember
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return nil, ErrInvalidExpiry
	}
	msg := models.Message{RoomID: roomID, UserID: userID, Content: content, ExpiresAt: expiresAt}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	names, err := s.resolveDisplayNames([]uint{userID})
	if err != nil {
		return nil, err
	}
	dto := toMessageDTO(&msg, names[userID])
	return &dto, nil
}

// ListByRoom 返回房间最近 limit 条消息，按时间从旧到新排列。
func (s *MessageService) ListByRoom(roomID uint, limit int) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var msgs []models.Message
	if err := s.db.Where("room_id = ?", roomID).Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	userIDs := make([]uint, 0, len(msgs))
	seen := make(map[uint]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		userIDs = append(userIDs, m.UserID)
	}
	names, err := s.resolveDisplayNames(userIDs)
	if err != nil {
		return nil, err
	}

	out := make([]MessageDTO, 0, len(msgs))
	for i := range msgs {
		out = append(out, toMessageDTO(&msgs[i], names[msgs[i].UserID]))
	}
	return out, nil
}

// ReactionsForRoom 返回房间内全部消息的表情回应，供 room_joined 应答使用。
func (s *MessageService) ReactionsForRoom(roomID uint) ([]ReactionDTO, error) {
	var reactions []models.Reaction
	err := s.db.
		Joins("JOIN messages ON messages.id = reactions.message_id AND messages.room_id = ?", roomID).
		Order("reactions.id").
		Find(&reactions).Error
	if err != nil {
		return nil, err
	}
	userIDs := make([]uint, 0, len(reactions))
	seen := make(map[uint]struct{}, len(reactions))
	for _, r := range reactions {
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		userIDs = append(userIDs, r.UserID)
	}
	names, err := s.resolveDisplayNames(userIDs)
	if err != nil {
		return nil, err
	}
	out := make([]ReactionDTO, 0, len(reactions))
	for _, r := range reactions {
		out = append(out, ReactionDTO{ID: r.ID, MessageID: r.MessageID, RoomID: roomID, UserID: r.UserID, Username: names[r.UserID], Emoji: r.Emoji})
	}
	return out, nil
}

// AddReaction 幂等新增回应，返回回应数据以及本次是否真正写入了新行。
func (s *MessageService) AddReaction(messageID, userID uint, emoji string) (*ReactionDTO, bool, error) {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrMessageNotFound
		}
		return nil, false, err
	}
	var member int64
	err := s.db.Model(&models.RoomMembership{}).
		Where("room_id = ? AND user_id = ?", msg.RoomID, userID).
		Count(&member).Error
	if err != nil {
		return nil, false, err
	}
	if member == 0 {
		return nil, false, ErrNotAMember
	}
	reaction := models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}, {Name: "emoji"}},
		DoNothing: true,
	}).Create(&reaction)
	if res.Error != nil {
		return nil, false, res.Error
	}
	names, err := s.resolveDisplayNames([]uint{userID})
	if err != nil {
		return nil, false, err
	}
	dto := ReactionDTO{ID: reaction.ID, MessageID: messageID, RoomID: msg.RoomID, UserID: userID, Username: names[userID], Emoji: emoji}
	return &dto, res.RowsAffected > 0, nil
}

// RemoveReaction 删除指定回应，返回是否确实删除了一行；无行可删时调用方不应广播。
func (s *MessageService) RemoveReaction(messageID, userID uint, emoji string) (bool, error) {
	res := s.db.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&models.Reaction{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeletedMessage 标识一次过期清理删掉的消息及其所在房间。
type DeletedMessage struct {
	ID     uint
	RoomID uint
}

// SweepExpired 在单个事务里删掉全部已过期消息及其回应，返回删除清单供广播。
func (s *MessageService) SweepExpired(now time.Time) ([]DeletedMessage, error) {
	var deleted []DeletedMessage
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var expired []models.Message
		err := tx.Select("id", "room_id").
			Where("expires_at IS NOT NULL AND expires_at <= ?", now).
			Find(&expired).Error
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(expired))
		for _, m := range expired {
			ids = append(ids, m.ID)
			deleted = append(deleted, DeletedMessage{ID: m.ID, RoomID: m.RoomID})
		}
		if err := tx.Where("message_id IN ?", ids).Delete(&models.Reaction{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.Message{}).Error
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func toMessageDTO(m *models.Message, username string) MessageDTO {
	return MessageDTO{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Username:  username,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
}

// resolveDisplayNames 批量获取用户昵称。
func (s *MessageService) resolveDisplayNames(userIDs []uint) (map[uint]string, error) {
	names := make(map[uint]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	var users []models.User
	if err := s.db.Select("id", "display_name").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		names[u.ID] = u.DisplayName
	}
	return names, nil
}
