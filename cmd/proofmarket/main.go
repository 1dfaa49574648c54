// Command proofmarket fulfills batches of market requests and benchmarks
// proving backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ProofMarket/internal/config"
	"ProofMarket/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "proofmarket",
	Short:         "批量履约与 proving 基准测试工具",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (默认读取 $"+config.EnvConfigPath+")")
	rootCmd.AddCommand(
		newFulfillCmd(),
		newBenchmarkCmd(),
		newExecuteCmd(),
		newEnqueueCmd(),
		newServeCmd(),
		newImagesCmd(),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "proofmarket 运行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and initialises logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}
