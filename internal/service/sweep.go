package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zkontrol/zkontrol-secure-communications/internal/metrics"
)

// Broadcaster 是清理任务对实时层的最小依赖，由 ws.Hub 实现。
type Broadcaster interface {
	BroadcastToRoom(roomID uint, payload interface{})
}

// Sweeper 周期性删除已过期的消息并向相关房间广播删除通知。
// 消息最多比名义过期时间多存活一个清理周期，这是接受的误差而非缺陷。
type Sweeper struct {
	msgs     *MessageService
	hub      Broadcaster
	interval time.Duration
}

func NewSweeper(msgs *MessageService, hub Broadcaster, interval time.Duration) *Sweeper {
	return &Sweeper{msgs: msgs, hub: hub, interval: interval}
}

// Run 以固定周期执行清理直到 ctx 取消；存储故障只记录日志，下个周期重试。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sweeper) tick() {
	deleted, err := s.msgs.SweepExpired(time.Now())
	if err != nil {
		log.Error().Err(err).Msg("sweep expired messages")
		return
	}
	if len(deleted) == 0 {
		return
	}
	metrics.MessagesSweptTotal.Add(float64(len(deleted)))
	for _, d := range deleted {
		s.hub.BroadcastToRoom(d.RoomID, map[string]interface{}{
			"type":      "message_deleted",
			"messageId": d.ID,
			"roomId":    d.RoomID,
		})
	}
	log.Info().Int("count", len(deleted)).Msg("swept expired messages")
}
