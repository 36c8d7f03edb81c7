// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/classroom.chat/internal/platform/cmd"
	"github.com/louisbranch/classroom.chat/internal/platform/logging"
	server "github.com/louisbranch/classroom.chat/internal/services/chat/app"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr       string        `env:"CLASSROOM_CHAT_HTTP_ADDR"        envDefault:":8086"`
	GRPCAddr       string        `env:"CLASSROOM_CHAT_GRPC_ADDR"`
	DatabasePath   string        `env:"CLASSROOM_CHAT_DB_PATH"          envDefault:"data/chat.db"`
	RedisURL       string        `env:"CLASSROOM_CHAT_REDIS_URL"`
	JWTSecret      string        `env:"CLASSROOM_CHAT_JWT_SECRET"`
	AuthBaseURL    string        `env:"CLASSROOM_CHAT_AUTH_BASE_URL"`
	ResourceSecret string        `env:"CLASSROOM_CHAT_RESOURCE_SECRET"`
	AllowedOrigins []string      `env:"CLASSROOM_CHAT_ALLOWED_ORIGINS"  envSeparator:","`
	PingInterval   time.Duration `env:"CLASSROOM_CHAT_PING_INTERVAL"`
	PongTimeout    time.Duration `env:"CLASSROOM_CHAT_PONG_TIMEOUT"     envDefault:"60s"`
	OutboxSize     int           `env:"CLASSROOM_CHAT_OUTBOX_SIZE"      envDefault:"256"`
	MaxConnections int           `env:"CLASSROOM_CHAT_MAX_CONNECTIONS"`
	FrameRate      float64       `env:"CLASSROOM_CHAT_FRAME_RATE"       envDefault:"20"`
	FrameBurst     int           `env:"CLASSROOM_CHAT_FRAME_BURST"      envDefault:"40"`
	TypingTTL      time.Duration `env:"CLASSROOM_CHAT_TYPING_TTL"       envDefault:"5s"`
	LogLevel       string        `env:"CLASSROOM_CHAT_LOG_LEVEL"        envDefault:"info"`
	Env            string        `env:"CLASSROOM_CHAT_ENV"              envDefault:"production"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address; empty disables it")
	fs.StringVar(&cfg.DatabasePath, "db-path", cfg.DatabasePath, "SQLite conversation store path")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the presence mirror; empty disables it")
	fs.StringVar(&cfg.AuthBaseURL, "auth-base-url", cfg.AuthBaseURL, "auth service introspection base URL")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum simultaneous connections; 0 is unlimited")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ServerConfig maps the command configuration onto the chat server.
func (cfg Config) ServerConfig() server.Config {
	return server.Config{
		HTTPAddr:       cfg.HTTPAddr,
		GRPCAddr:       cfg.GRPCAddr,
		DatabasePath:   cfg.DatabasePath,
		RedisURL:       cfg.RedisURL,
		JWTSecret:      cfg.JWTSecret,
		AuthBaseURL:    cfg.AuthBaseURL,
		ResourceSecret: cfg.ResourceSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		OutboxSize:     cfg.OutboxSize,
		MaxConnections: cfg.MaxConnections,
		FrameRate:      cfg.FrameRate,
		FrameBurst:     cfg.FrameBurst,
		TypingTTL:      cfg.TypingTTL,
		Logger: logging.New(logging.Options{
			Level:   cfg.LogLevel,
			Env:     cfg.Env,
			Service: entrypoint.ServiceChat,
		}),
	}
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	serverCfg := cfg.ServerConfig()
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceChat, entrypoint.RunOptions{
		Logger: &serverCfg.Logger,
	}, func(ctx context.Context) error {
		serverCfg.Logger.Info().Str("http_addr", cfg.HTTPAddr).Msg("starting chat server")
		if err := server.Run(ctx, serverCfg); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
