package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/zkontrol/zkontrol-secure-communications/internal/config"
	"github.com/zkontrol/zkontrol-secure-communications/internal/models"
	"gorm.io/gorm"
)

// SessionCookie 是 verify 成功后下发的会话 cookie 名称。
const SessionCookie = "session"

type Claims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

// ValidIdentityKey 校验身份公钥是否为 64 位十六进制编码的 Ed25519 公钥。
func ValidIdentityKey(key string) bool {
	if len(key) != ed25519.PublicKeySize*2 {
		return false
	}
	b, err := hex.DecodeString(key)
	return err == nil && len(b) == ed25519.PublicKeySize
}

// NewNonce 生成 32 字节随机数的十六进制表示。
func NewNonce() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ChallengeMessage 构造客户端需要签名的人类可读挑战文本。
func ChallengeMessage(identityKey, nonce string) string {
	return fmt.Sprintf("zkontrol login challenge\nidentity: %s\nnonce: %s", identityKey, nonce)
}

// VerifySignature 校验 signature（base64）是否为 identityKey 对 message 的有效 Ed25519 签名。
func VerifySignature(identityKey, message, signature string) bool {
	pub, err := hex.DecodeString(identityKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig)
}

func GenerateSessionToken(userID uint, secret string, ttlHours int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseSessionToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// TokenFromRequest 依次尝试 session cookie、Authorization 头和 token 查询参数。
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

// Middleware 校验会话 token 并把用户注入到请求上下文。
func Middleware(cfg config.Config, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		claims, err := ParseSessionToken(token, cfg.SessionSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		var user models.User
		if err := db.First(&user, claims.UserID).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}
