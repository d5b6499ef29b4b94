package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/zkontrol/zkontrol-secure-communications/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomService 封装房间与成员关系相关的业务逻辑。
type RoomService struct {
	db         *gorm.DB
	publicName string
}

func NewRoomService(db *gorm.DB, publicName string) *RoomService {
	return &RoomService{db: db, publicName: publicName}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"isGroup"`
	IsPublic  bool      `json:"isPublic"`
	CreatedAt time.Time `json:"createdAt"`
	Online    int       `json:"online"`
}

func ToRoomDTO(r *models.Room, online int) RoomDTO {
	return RoomDTO{ID: r.ID, Name: r.Name, IsGroup: r.IsGroup, IsPublic: r.IsPublic, CreatedAt: r.CreatedAt, Online: online}
}

// EnsurePublicRoom 幂等地获取或创建全局唯一的公共房间。
// 并发首次调用靠 name 唯一索引收敛到同一行：冲突忽略后回读。
func (s *RoomService) EnsurePublicRoom() (*models.Room, error) {
	room := models.Room{Name: s.publicName, IsGroup: true, IsPublic: true}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&room).Error
	if err != nil {
		return nil, err
	}
	if room.ID != 0 {
		return &room, nil
	}
	var existing models.Room
	if err := s.db.Where("name = ?", s.publicName).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

// Create 建房并把创建者加为成员，任一步失败则整体回滚，不留孤儿房间。
func (s *RoomService) Create(name string, isGroup bool, creatorID uint) (*models.Room, error) {
	room := models.Room{Name: name, IsGroup: isGroup, CreatorID: &creatorID}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		member := models.RoomMembership{RoomID: room.ID, UserID: creatorID, JoinedAt: time.Now()}
		return tx.Create(&member).Error
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// pairwiseName 为一对用户派生确定性的房间名，同时兜底保证单聊唯一。
func pairwiseName(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm-%d-%d", a, b)
}

// FindPairwise 查找同时包含两名成员的非群聊、非公共房间，不存在时返回 nil。
func (s *RoomService) FindPairwise(userA, userB uint) (*models.Room, error) {
	var room models.Room
	err := s.db.
		Joins("JOIN room_memberships m1 ON m1.room_id = rooms.id AND m1.user_id = ?", userA).
		Joins("JOIN room_memberships m2 ON m2.room_id = rooms.id AND m2.user_id = ?", userB).
		Where("rooms.is_group = ? AND rooms.is_public = ?", false, false).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// EnsurePairwise 获取或创建两名用户之间的单聊房间，重复调用返回同一个房间。
func (s *RoomService) EnsurePairwise(userA, userB uint) (*models.Room, bool, error) {
	if existing, err := s.FindPairwise(userA, userB); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}
	room := models.Room{Name: pairwiseName(userA, userB), IsGroup: false, IsPublic: false, CreatorID: &userA}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).Create(&room)
		if res.Error != nil {
			return res.Error
		}
		if room.ID == 0 {
			// 并发创建输掉了，复用取胜那一行即可。
			return tx.Where("name = ?", room.Name).First(&room).Error
		}
		now := time.Now()
		members := []models.RoomMembership{
			{RoomID: room.ID, UserID: userA, JoinedAt: now},
			{RoomID: room.ID, UserID: userB, JoinedAt: now},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &room, true, nil
}

// Join 幂等加入房间，返回房间以及本次是否新增了成员关系。
func (s *RoomService) Join(roomID, userID uint) (*models.Room, bool, error) {
	var room models.Room
	if err := s.db.First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrRoomNotFound
		}
		return nil, false, err
	}
	member := models.RoomMembership{RoomID: roomID, UserID: userID, JoinedAt: time.Now()}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(&member)
	if res.Error != nil {
		return nil, false, res.Error
	}
	return &room, res.RowsAffected > 0, nil
}

// IsMember 检查用户是否为房间成员。
func (s *RoomService) IsMember(roomID, userID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.RoomMembership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	return count > 0, err
}

// RoomsForUser 返回用户加入的全部房间。
func (s *RoomService) RoomsForUser(userID uint) ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.
		Joins("JOIN room_memberships m ON m.room_id = rooms.id AND m.user_id = ?", userID).
		Order("rooms.id").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *RoomService) ByID(roomID uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}
