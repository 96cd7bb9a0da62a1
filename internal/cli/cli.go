// ============================================================================
// licensekit CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 基於 Cobra 的命令列工具，操作本地 memengine 或遠端引擎
//
// 命令結構:
//   licensekit                     # 根命令
//   ├── info                       # 產品與引擎資訊
//   ├── entities                   # 列出實體與試用讀數
//   ├── request                    # 產生請求碼
//   │   └── --action kind[:entity][,param=value...]
//   ├── issue                      # (memory) 模擬授權伺服器發行授權碼
//   ├── apply                      # 套用授權碼
//   ├── activate                   # 以序號線上啟用
//   ├── serve                      # gRPC bridge + HTTP API
//   ├── watch                      # 記錄分派的事件直到中斷
//   └── --config, -c               # 設定檔（預設 configs/default.yaml）
//
// 設定載入:
//   預設值 → YAML → LICENSEKIT_* 環境變數 → 驗證（見 internal/config）
//
// memory 模式下每個命令結束時將使用狀態寫回 engine.state_path，
// 下一次執行會接續（含尚未發行/套用的碼）。
//
// 訊號處理:
//   serve 與 watch 捕捉 SIGINT / SIGTERM 後優雅關閉
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/licensekit/internal/config"
	"github.com/ChuLiYu/licensekit/internal/logging"
	"github.com/spf13/cobra"
)

// Version 由建置時注入
var Version = "0.1.0"

type app struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "licensekit",
		Short: "licensekit: client-side licensing toolkit",
		Long: `licensekit inspects and manages protected entities through a license engine:
- trial model readouts (access count, period, duration, session, hard date)
- request code generation and license code application
- serial number activation
- gRPC engine bridge and HTTP status surface`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(
		buildInfoCommand(a),
		buildEntitiesCommand(a),
		buildRequestCommand(a),
		buildIssueCommand(a),
		buildApplyCommand(a),
		buildActivateCommand(a),
		buildServeCommand(a),
		buildWatchCommand(a),
	)
	return rootCmd
}

// Execute 執行 CLI，回傳行程結束碼
func Execute() int {
	cmd := BuildCLI()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func (a *app) load(logOut io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logging.New(cfg.Logging, logOut)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

// signalContext 在 SIGINT / SIGTERM 時取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// withSession 開啟工作階段執行 fn，結束時保存狀態
func (a *app) withSession(cmd *cobra.Command, fn func(s *session) error) error {
	s, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	runErr := fn(s)
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
