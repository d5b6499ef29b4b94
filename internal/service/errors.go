package service

import "errors"

// 业务层通用错误，handler 与 ws 层根据错误类型映射到 HTTP 状态码或 error 事件。
var (
	ErrInvalidIdentity   = errors.New("invalid identity key")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrNotAMember        = errors.New("not a room member")
	ErrRoomNotFound      = errors.New("room not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidExpiry     = errors.New("expiry must be after creation")
)
