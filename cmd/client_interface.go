package cmd

import (
	"context"

	"firestige.xyz/ctsync/internal/command"
)

// ControlClient 定义所有命令需要的客户端方法
type ControlClient interface {
	Stats(ctx context.Context) (*command.Response, error)
	OriginList(ctx context.Context) (*command.Response, error)
	ConfigReload(ctx context.Context) (*command.Response, error)
	Shutdown(ctx context.Context) (*command.Response, error)
	Call(ctx context.Context, method string, params interface{}) (*command.Response, error)
}
