package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                 string
	DatabaseDSN          string
	SessionSecret        string
	Env                  string
	ChallengeTTLMinutes  int
	SessionTTLHours      int
	SweepIntervalSeconds int
	PublicRoomName       string
	AIEndpoint           string
	AIAPIKey             string
	AIModel              string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 读取环境变量并返回配置，本地开发时优先加载同目录下的 .env 文件。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                 getenv("APP_PORT", "8080"),
		DatabaseDSN:          getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=zkontrol port=5432 sslmode=disable TimeZone=UTC"),
		SessionSecret:        getenv("SESSION_SECRET", "dev-secret-change-me"),
		Env:                  getenv("APP_ENV", "dev"),
		ChallengeTTLMinutes:  getenvInt("CHALLENGE_TTL_MINUTES", 5),
		SessionTTLHours:      getenvInt("SESSION_TTL_HOURS", 24),
		SweepIntervalSeconds: getenvInt("SWEEP_INTERVAL_SECONDS", 60),
		PublicRoomName:       getenv("PUBLIC_ROOM_NAME", "commons"),
		AIEndpoint:           getenv("AI_ENDPOINT", "https://api.openai.com/v1/chat/completions"),
		AIAPIKey:             getenv("AI_API_KEY", ""),
		AIModel:              getenv("AI_MODEL", "gpt-4o-mini"),
	}
}
