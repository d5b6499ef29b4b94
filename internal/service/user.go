package service

import (
	"errors"
	"time"

	"github.com/zkontrol/zkontrol-secure-communications/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserService 封装身份与用户画像相关的业务逻辑。
type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// UserDTO 是对外输出的用户数据。
type UserDTO struct {
	ID          uint      `json:"id"`
	IdentityKey string    `json:"identityKey"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

func ToUserDTO(u *models.User) UserDTO {
	return UserDTO{ID: u.ID, IdentityKey: u.IdentityKey, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt}
}

// DefaultDisplayName 从身份公钥派生确定性的默认昵称。
func DefaultDisplayName(identityKey string) string {
	if len(identityKey) < 8 {
		return "zk-" + identityKey
	}
	return "zk-" + identityKey[:8]
}

// GetOrCreate 按身份公钥查找用户，首次见到的公钥自动建档。
// 并发首登依赖 identity_key 唯一索引加冲突忽略，再回读取胜的那一行。
func (s *UserService) GetOrCreate(identityKey string) (*models.User, error) {
	user := models.User{IdentityKey: identityKey, DisplayName: DefaultDisplayName(identityKey)}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_key"}},
		DoNothing: true,
	}).Create(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID != 0 {
		return &user, nil
	}
	var existing models.User
	if err := s.db.Where("identity_key = ?", identityKey).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *UserService) ByID(id uint) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) ByIdentityKey(identityKey string) (*models.User, error) {
	var user models.User
	if err := s.db.Where("identity_key = ?", identityKey).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// DayCount 是单日消息量统计。
type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// StatsDTO 是 get_user_stats 事件的应答数据。
type StatsDTO struct {
	MessageCount      int64      `json:"messageCount"`
	ConversationCount int64      `json:"conversationCount"`
	ActivityStats     []DayCount `json:"activityStats"`
}

// Stats 汇总用户的消息总量、会话数量以及最近七天的活跃度。
func (s *UserService) Stats(userID uint) (*StatsDTO, error) {
	out := StatsDTO{ActivityStats: []DayCount{}}
	if err := s.db.Model(&models.Message{}).Where("user_id = ?", userID).Count(&out.MessageCount).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.RoomMembership{}).Where("user_id = ?", userID).Count(&out.ConversationCount).Error; err != nil {
		return nil, err
	}
	since := time.Now().AddDate(0, 0, -6).Truncate(24 * time.Hour)
	err := s.db.Model(&models.Message{}).
		Select("to_char(created_at, 'YYYY-MM-DD') as date, count(*) as count").
		Where("user_id = ? AND created_at >= ?", userID, since).
		Group("to_char(created_at, 'YYYY-MM-DD')").
		Order("date").
		Scan(&out.ActivityStats).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}
