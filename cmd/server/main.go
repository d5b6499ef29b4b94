package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zkontrol/zkontrol-secure-communications/internal/auth"
	"github.com/zkontrol/zkontrol-secure-communications/internal/config"
	"github.com/zkontrol/zkontrol-secure-communications/internal/db"
	clog "github.com/zkontrol/zkontrol-secure-communications/internal/log"
	"github.com/zkontrol/zkontrol-secure-communications/internal/server"
	"github.com/zkontrol/zkontrol-secure-communications/internal/service"
	"github.com/zkontrol/zkontrol-secure-communications/internal/ws"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库、启动清理任务并运行 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	hub := ws.NewHub()
	users := service.NewUserService(gdb)
	rooms := service.NewRoomService(gdb, cfg.PublicRoomName)
	msgs := service.NewMessageService(gdb)
	authSvc := service.NewAuthService(auth.NewChallengeStore(), users, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sweeper := service.NewSweeper(msgs, hub, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
	go sweeper.Run(ctx)

	deps := ws.Deps{Cfg: cfg, Users: users, Rooms: rooms, Msgs: msgs}
	r := server.SetupRouter(cfg, gdb, hub, deps, authSvc)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
