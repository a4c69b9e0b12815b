package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"firestige.xyz/ctsync/internal/command"
	"firestige.xyz/ctsync/internal/origin"
)

// MockClient 实现 ControlClient
type MockClient struct {
	mock.Mock
}

func (m *MockClient) response(args mock.Arguments) (*command.Response, error) {
	resp, _ := args.Get(0).(*command.Response)
	return resp, args.Error(1)
}

func (m *MockClient) Stats(ctx context.Context) (*command.Response, error) {
	return m.response(m.Called(ctx))
}

func (m *MockClient) OriginList(ctx context.Context) (*command.Response, error) {
	return m.response(m.Called(ctx))
}

func (m *MockClient) ConfigReload(ctx context.Context) (*command.Response, error) {
	return m.response(m.Called(ctx))
}

func (m *MockClient) Shutdown(ctx context.Context) (*command.Response, error) {
	return m.response(m.Called(ctx))
}

func (m *MockClient) Call(ctx context.Context, method string, params interface{}) (*command.Response, error) {
	return m.response(m.Called(ctx, method, params))
}

var okResponse = &command.Response{ID: "req-1", Result: map[string]string{"status": "ok"}}

// 测试成功场景
func TestRunReload_Success(t *testing.T) {
	// 准备
	mockClient := new(MockClient)
	mockClient.On("ConfigReload", mock.Anything).Return(okResponse, nil)

	var buf bytes.Buffer
	ctx := context.Background()

	// 执行
	err := runReload(ctx, mockClient, &buf)

	// 断言
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	mockClient.AssertExpectations(t)
}

// 测试失败场景
func TestRunReload_Failure(t *testing.T) {
	// 准备
	mockClient := new(MockClient)
	expectedErr := errors.New("connection failed")
	mockClient.On("ConfigReload", mock.Anything).Return(nil, expectedErr)

	var buf bytes.Buffer
	ctx := context.Background()

	// 执行
	err := runReload(ctx, mockClient, &buf)

	// 断言
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reload")
	assert.Contains(t, err.Error(), "connection failed")
	assert.Empty(t, buf.String())
	mockClient.AssertExpectations(t)
}

// 测试 Cobra 命令集成
func TestReloadCmd_Execute(t *testing.T) {
	// 准备
	mockClient := new(MockClient)
	mockClient.On("ConfigReload", mock.Anything).Return(okResponse, nil)

	// 使用 SetClient 注入 mock
	originalCli := GetClient()
	SetClient(mockClient)
	defer SetClient(originalCli) // 测试结束后恢复

	// 创建根命令
	rootCmd := &cobra.Command{Use: "ctsyncd"}
	rootCmd.AddCommand(reloadCmd)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs([]string{"reload"})

	// 执行
	err := rootCmd.Execute()

	// 断言
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	mockClient.AssertExpectations(t)
}

// 表驱动测试
func TestRunReload_TableDriven(t *testing.T) {
	tests := []struct {
		name           string
		resp           *command.Response
		mockError      error
		expectedError  string
		expectedOutput string
	}{
		{
			name:           "成功重载",
			resp:           okResponse,
			expectedOutput: "✓ Configuration reloaded successfully",
		},
		{
			name:          "网络错误",
			mockError:     errors.New("network timeout"),
			expectedError: "network timeout",
		},
		{
			name: "配置无效",
			resp: &command.Response{Error: &command.ErrorInfo{
				Code:    command.ErrCodeInternalError,
				Message: "invalid mtu",
			}},
			expectedError: "invalid mtu",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 准备
			mockClient := new(MockClient)
			mockClient.On("ConfigReload", mock.Anything).Return(tt.resp, tt.mockError)

			var buf bytes.Buffer

			// 执行
			err := runReload(context.Background(), mockClient, &buf)

			// 断言
			if tt.expectedError != "" {
				assert.ErrorContains(t, err, tt.expectedError)
				assert.Empty(t, buf.String())
			} else {
				assert.NoError(t, err)
				assert.Contains(t, buf.String(), tt.expectedOutput)
			}

			mockClient.AssertExpectations(t)
		})
	}
}

func TestRunStop(t *testing.T) {
	t.Run("via socket", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(okResponse, nil)

		var buf bytes.Buffer
		assert.NoError(t, runStop(context.Background(), mockClient, "", &buf))
		assert.Contains(t, buf.String(), "Shutdown requested")
		mockClient.AssertExpectations(t)
	})

	t.Run("socket down without pid file", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(nil, errors.New("connection refused"))

		err := runStop(context.Background(), mockClient, "", &bytes.Buffer{})
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("socket down and stale pid file", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(nil, errors.New("connection refused"))

		err := runStop(context.Background(), mockClient, t.TempDir()+"/missing.pid", &bytes.Buffer{})
		assert.ErrorContains(t, err, "daemon not running")
	})
}

func TestRunOrigins(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("OriginList", mock.Anything).Return(&command.Response{
		Result: command.OriginListResult{
			Entries: []origin.Entry{{PortID: 1668576121, Kind: "commit"}},
			Count:   1,
		},
	}, nil)

	var buf bytes.Buffer
	assert.NoError(t, runOrigins(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), "PORT ID")
	assert.Contains(t, buf.String(), "1668576121")
	assert.Contains(t, buf.String(), "commit")
}

func TestRunQuery(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Stats", mock.Anything).Return(&command.Response{
		Result: map[string]uint64{"messages_sent": 5},
	}, nil)

	var buf bytes.Buffer
	assert.NoError(t, runQuery(context.Background(), &buf, command.MethodStats, mockClient.Stats))
	assert.Contains(t, buf.String(), `"messages_sent": 5`)
}
