package auth

import (
	"sync"
	"time"
)

// Challenge 是签发给某个身份公钥、等待签名回应的一次性挑战。
type Challenge struct {
	Nonce    string
	Message  string
	IssuedAt time.Time
}

// ChallengeStore 以身份公钥为键保存未消费的挑战，Put 与 GetAndConsume 均为原子操作。
// 同一个 key 重复 Put 会覆盖旧挑战，消费（无论验证成败）后必须重新签发。
type ChallengeStore struct {
	mu sync.Mutex
	m  map[string]Challenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{m: make(map[string]Challenge)}
}

func (s *ChallengeStore) Put(identityKey string, ch Challenge) {
	s.mu.Lock()
	s.m[identityKey] = ch
	s.mu.Unlock()
}

// GetAndConsume 取出并删除 identityKey 对应的挑战，多个并发调用只有一个能取到。
func (s *ChallengeStore) GetAndConsume(identityKey string) (Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.m[identityKey]
	if ok {
		delete(s.m, identityKey)
	}
	return ch, ok
}

// Len 返回未消费挑战数量，仅用于测试和指标。
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
