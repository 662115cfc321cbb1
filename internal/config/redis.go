package config

import (
	"os"
	"strconv"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
}

// GetRedisConfig layers REDIS_* environment variables over the redis section
func (c *Config) GetRedisConfig() RedisConfig {
	db := c.Redis.DB
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if parsed, err := strconv.Atoi(dbStr); err == nil {
			db = parsed
		}
	}

	return RedisConfig{
		Addr:     getEnv("REDIS_ADDR", c.Redis.Addr),
		Password: getEnv("REDIS_PASSWORD", c.Redis.Password),
		DB:       db,
		Stream:   getEnv("REDIS_STREAM", c.Redis.Stream),
		Group:    getEnv("REDIS_GROUP", c.Redis.Group),
	}
}

func GetRedisConfig() RedisConfig {
	return Default().GetRedisConfig()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
