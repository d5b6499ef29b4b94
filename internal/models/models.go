package models

import "time"

type User struct {
	ID          uint   `gorm:"primaryKey"`
	IdentityKey string `gorm:"uniqueIndex;size:64;not null"`
	DisplayName string `gorm:"size:64"`
	CreatedAt   time.Time
}

// 公共房间依赖 Name 的唯一索引保证全局只有一行，详见 service.EnsurePublicRoom。
type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128;not null"`
	IsGroup   bool   `gorm:"not null"`
	IsPublic  bool   `gorm:"not null"`
	CreatorID *uint
	CreatedAt time.Time
}

type RoomMembership struct {
	ID       uint      `gorm:"primaryKey"`
	RoomID   uint      `gorm:"uniqueIndex:idx_member_room_user;not null"`
	UserID   uint      `gorm:"uniqueIndex:idx_member_room_user;not null"`
	JoinedAt time.Time `gorm:"not null"`
}

type Message struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    uint   `gorm:"index:idx_msg_room;not null"`
	UserID    uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
	ExpiresAt *time.Time `gorm:"index:idx_msg_expires"`
}

type Reaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"uniqueIndex:idx_reaction_triple;not null"`
	UserID    uint   `gorm:"uniqueIndex:idx_reaction_triple;not null"`
	Emoji     string `gorm:"uniqueIndex:idx_reaction_triple;size:16;not null"`
	CreatedAt time.Time
}
