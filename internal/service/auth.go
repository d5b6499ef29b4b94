package service

import (
	"time"

	"github.com/zkontrol/zkontrol-secure-communications/internal/auth"
	"github.com/zkontrol/zkontrol-secure-communications/internal/config"
	"github.com/zkontrol/zkontrol-secure-communications/internal/models"
)

// AuthService 实现质询-应答登录：签发挑战、校验签名并建立会话。
type AuthService struct {
	store *auth.ChallengeStore
	users *UserService
	cfg   config.Config
}

func NewAuthService(store *auth.ChallengeStore, users *UserService, cfg config.Config) *AuthService {
	return &AuthService{store: store, users: users, cfg: cfg}
}

// ChallengeDTO 是签发挑战接口的应答数据。
type ChallengeDTO struct {
	Message string `json:"message"`
	Nonce   string `json:"nonce"`
}

// IssueChallenge 为身份公钥签发新挑战，覆盖该公钥之前未消费的挑战。
func (s *AuthService) IssueChallenge(identityKey string) (*ChallengeDTO, error) {
	if !auth.ValidIdentityKey(identityKey) {
		return nil, ErrInvalidIdentity
	}
	nonce, err := auth.NewNonce()
	if err != nil {
		return nil, err
	}
	message := auth.ChallengeMessage(identityKey, nonce)
	s.store.Put(identityKey, auth.Challenge{Nonce: nonce, Message: message, IssuedAt: time.Now()})
	return &ChallengeDTO{Message: message, Nonce: nonce}, nil
}

// VerifyResponse 消费挑战并校验签名，成功则建档（如需）并签发会话 token。
// 挑战在任何一次校验尝试后都会被消费，签名失败必须重新申请挑战。
func (s *AuthService) VerifyResponse(identityKey, signature string) (*models.User, string, error) {
	if !auth.ValidIdentityKey(identityKey) {
		return nil, "", ErrInvalidIdentity
	}
	ch, ok := s.store.GetAndConsume(identityKey)
	if !ok {
		return nil, "", ErrChallengeNotFound
	}
	ttl := time.Duration(s.cfg.ChallengeTTLMinutes) * time.Minute
	if time.Since(ch.IssuedAt) > ttl {
		return nil, "", ErrChallengeExpired
	}
	if !auth.VerifySignature(identityKey, ch.Message, signature) {
		return nil, "", ErrInvalidSignature
	}
	user, err := s.users.GetOrCreate(identityKey)
	if err != nil {
		return nil, "", err
	}
	token, err := auth.GenerateSessionToken(user.ID, s.cfg.SessionSecret, s.cfg.SessionTTLHours)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}
