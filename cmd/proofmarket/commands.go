package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ProofMarket/internal/api"
	"ProofMarket/internal/benchmark"
	"ProofMarket/internal/config"
	"ProofMarket/internal/intake"
	"ProofMarket/internal/market"
	"ProofMarket/internal/observability/metrics"
	"ProofMarket/internal/preflight"
	"ProofMarket/internal/telemetry"
	"ProofMarket/pkg/logger"
)

type batchFlags struct {
	digests  []string
	txHashes []string
}

func (f *batchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.digests, "digest", nil, "与请求 id 一一对应的 request digest")
	cmd.Flags().StringSliceVar(&f.txHashes, "tx-hash", nil, "与请求 id 一一对应的提交交易哈希")
}

// job builds an intake job; hint lists stay nil unless the flag was given.
func (f *batchFlags) job(cmd *cobra.Command, ids []string) intake.Job {
	job := intake.Job{RequestIDs: ids}
	if cmd.Flags().Changed("digest") {
		job.Digests = f.digests
	}
	if cmd.Flags().Changed("tx-hash") {
		job.TxHashes = f.txHashes
	}
	return job
}

func newFulfillCmd() *cobra.Command {
	var flags batchFlags
	cmd := &cobra.Command{
		Use:   "fulfill <request-id>...",
		Short: "获取、校验并一次性履约一批请求",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req, err := flags.job(cmd, args).Request()
			if err != nil {
				return err
			}
			chainClient, err := dialChain(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer chainClient.Close()

			fulfiller, err := newFulfiller(cfg, chainClient)
			if err != nil {
				return err
			}
			outcome, err := fulfiller.Fulfill(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"root_tx":    outcome.Receipt.RootTx.Hex(),
				"fulfill_tx": outcome.Receipt.FulfillTx.Hex(),
				"orders":     len(outcome.Batch.Orders),
				"priced":     len(outcome.Batch.Priced),
				"locked":     outcome.Batch.LockedCount(),
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newBenchmarkCmd() *cobra.Command {
	var backendURL string
	cmd := &cobra.Command{
		Use:   "benchmark <request-id>...",
		Short: "逐个证明请求并给出 peak_prove_khz 建议",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ids, err := market.ParseRequestIDs(args)
			if err != nil {
				return err
			}
			chainClient, err := dialChain(ctx, cfg, true)
			if err != nil {
				return err
			}
			if chainClient != nil {
				defer chainClient.Close()
			}
			resolver, err := newResolver(cfg, chainClient)
			if err != nil {
				return err
			}

			strategy, closeStore := selectStrategy(ctx, cfg.Benchmark)
			defer closeStore()

			harnessCfg := cfg.Benchmark.HarnessConfig()
			if backendURL != "" {
				harnessCfg.BackendURL = backendURL
			}
			harness, err := benchmark.New(harnessCfg, resolver, newFetcher(cfg), strategy,
				benchmark.WithAlertDispatcher(newDispatcher(cfg)))
			if err != nil {
				return err
			}
			report, err := harness.Run(ctx, ids)
			if err != nil {
				return err
			}
			_, err = report.WriteTo(os.Stdout)
			return err
		},
	}
	cmd.Flags().StringVar(&backendURL, "backend-url", "", "覆盖配置中的 proving 后端地址")
	return cmd
}

// selectStrategy opens the telemetry store when enabled. A store that cannot
// be reached downgrades the run to client-side timing.
func selectStrategy(ctx context.Context, cfg config.BenchmarkConfig) (benchmark.Strategy, func()) {
	if !cfg.UseTelemetry {
		return benchmark.ClientSide{}, func() {}
	}
	store, err := telemetry.Open(ctx, cfg.Telemetry)
	if err != nil {
		logger.Named("benchmark").Warn("遥测数据库不可用，使用客户端计时", slog.Any("error", err))
		return benchmark.ClientSide{}, func() {}
	}
	return benchmark.SelectStrategy(store), func() { _ = store.Close() }
}

func newExecuteCmd() *cobra.Command {
	var (
		txHash string
		digest string
	)
	cmd := &cobra.Command{
		Use:   "execute <request-id>",
		Short: "在本地执行请求的 guest 程序并校验谓词",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := market.ParseRequestID(args[0])
			if err != nil {
				return err
			}
			var hints []string
			if txHash != "" {
				hints = append(hints, txHash)
			}
			if digest != "" {
				hints = append(hints, digest)
			}
			parsed, err := market.ParseHashes(hints)
			if err != nil {
				return err
			}
			txPtr, digestPtr := hintPointers(parsed, txHash != "", digest != "")

			chainClient, err := dialChain(ctx, cfg, txPtr == nil && digestPtr == nil)
			if err != nil {
				return err
			}
			if chainClient != nil {
				defer chainClient.Close()
			}
			resolver, err := newResolver(cfg, chainClient)
			if err != nil {
				return err
			}
			order, err := resolver.ResolveOrder(ctx, id, txPtr, digestPtr)
			if err != nil {
				return err
			}
			executor, err := preflight.NewCommandExecutor(cfg.Preflight.Executor, cfg.Preflight.Args, cfg.Preflight.WorkingDir)
			if err != nil {
				return err
			}
			info, err := preflight.Execute(ctx, newFetcher(cfg), executor, order.Request)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"request_id": market.IDHex(id),
				"source":     order.Source.String(),
				"journal":    hexutil.Encode(info.Journal),
				"cycles":     info.Cycles,
				"segments":   info.Segments,
			})
		},
	}
	cmd.Flags().StringVar(&txHash, "tx-hash", "", "提交请求的交易哈希")
	cmd.Flags().StringVar(&digest, "digest", "", "request digest")
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var flags batchFlags
	cmd := &cobra.Command{
		Use:   "enqueue <request-id>...",
		Short: "将一批请求投递到 intake 队列",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			queue, err := intake.NewQueue(ctx, cfg.Intake)
			if err != nil {
				return err
			}
			service := intake.NewService(queue)
			defer service.Close()

			job, err := service.Submit(ctx, flags.job(cmd, args))
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
	flags.register(cmd)
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "消费 intake 队列，暴露批次提交接口与 Prometheus 指标",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			chainClient, err := dialChain(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer chainClient.Close()

			fulfiller, err := newFulfiller(cfg, chainClient)
			if err != nil {
				return err
			}
			queue, err := intake.NewQueue(ctx, cfg.Intake)
			if err != nil {
				return err
			}
			defer queue.Close()

			processor := intake.NewProcessor(fulfiller, queue, intake.WithWorkerCount(cfg.Intake.Workers))
			logger.L().Info("intake 服务启动",
				slog.String("queue", cfg.Intake.Driver),
				slog.String("metrics", cfg.Metrics.Address),
				slog.String("api", cfg.API.Address))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address) })
			g.Go(func() error { return processor.Start(gctx) })
			if cfg.API.Address != "" {
				server := api.NewServer(cfg.API.Address, intake.NewService(queue), api.WithToken(cfg.API.Token))
				g.Go(func() error { return server.Start(gctx) })
			}
			err = g.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "显示 assessor 与 set-builder 镜像信息",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			chainClient, err := dialChain(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer chainClient.Close()

			type image struct {
				ID  common.Hash `json:"image_id"`
				URL string      `json:"url"`
			}
			out := map[string]image{}
			id, url, err := chainClient.ImageInfo(ctx)
			if err != nil {
				return err
			}
			out["assessor"] = image{ID: id, URL: url}
			if cfg.Chain.SetVerifierAddress != "" {
				id, url, err = chainClient.SetBuilderImageInfo(ctx)
				if err != nil {
					return err
				}
				out["set_builder"] = image{ID: id, URL: url}
			}
			return printJSON(out)
		},
	}
}

func hintPointers(parsed []common.Hash, hasTx, hasDigest bool) (txHash, digest *common.Hash) {
	i := 0
	if hasTx {
		h := parsed[i]
		txHash = &h
		i++
	}
	if hasDigest {
		d := parsed[i]
		digest = &d
	}
	return txHash, digest
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("输出结果失败: %w", err)
	}
	return nil
}
