package cmd

import (
	"time"

	"firestige.xyz/ctsync/internal/command"
	"firestige.xyz/ctsync/internal/config"
)

const clientTimeout = 10 * time.Second

var (
	// 使用接口类型
	cli ControlClient
)

// client returns the injected client or dials the daemon socket.
func client() ControlClient {
	if cli != nil {
		return cli
	}
	return command.NewUDSClient(resolveSocket(), clientTimeout)
}

// resolveSocket picks --socket, then control.socket from the config file,
// then the built-in default.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, err := config.Load(configFile); err == nil && cfg.Control.Socket != "" {
		return cfg.Control.Socket
	}
	return defaultSocketPath
}

// resolvePIDFile mirrors resolveSocket for control.pid_file.
func resolvePIDFile() string {
	if pidFile != "" {
		return pidFile
	}
	if cfg, err := config.Load(configFile); err == nil {
		return cfg.Control.PIDFile
	}
	return ""
}

// SetClient 用于测试时注入 mock 客户端
func SetClient(c ControlClient) {
	cli = c
}

// GetClient 用于测试时获取当前客户端
func GetClient() ControlClient {
	return cli
}
