package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"ProofMarket/internal/aggregation"
	"ProofMarket/internal/chain"
	"ProofMarket/internal/config"
	"ProofMarket/internal/fetch"
	"ProofMarket/internal/fulfill"
	"ProofMarket/internal/observability/alerting"
	"ProofMarket/internal/orderstream"
	"ProofMarket/internal/source"
	"ProofMarket/pkg/logger"
)

// dialChain connects to the market deployment. With optional set, a missing
// RPC URL yields a nil client instead of an error.
func dialChain(ctx context.Context, cfg *config.Config, optional bool) (*chain.Client, error) {
	if optional && strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return nil, nil
	}
	chainCfg, err := cfg.Chain.ChainClientConfig()
	if err != nil {
		return nil, err
	}
	return chain.Dial(ctx, chainCfg)
}

func newResolver(cfg *config.Config, chainClient *chain.Client) (*source.Resolver, error) {
	var (
		chainLookup  source.ChainLookup
		streamLookup source.StreamLookup
	)
	if chainClient != nil {
		chainLookup = chainClient
	}
	if strings.TrimSpace(cfg.OrderStream.URL) != "" {
		var httpClient *http.Client
		if cfg.OrderStream.Timeout > 0 {
			httpClient = &http.Client{Timeout: cfg.OrderStream.Timeout}
		}
		stream, err := orderstream.NewClient(cfg.OrderStream.URL, httpClient)
		if err != nil {
			return nil, err
		}
		streamLookup = stream
	}
	return source.NewResolver(chainLookup, streamLookup)
}

func newFetcher(cfg *config.Config) *fetch.Fetcher {
	return fetch.New(fetch.WithMaxBytes(cfg.Preflight.MaxFetchBytes))
}

func newDispatcher(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if strings.TrimSpace(cfg.Alerting.WebhookURL) != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

// newFulfiller wires the full batch pipeline over chainClient.
func newFulfiller(cfg *config.Config, chainClient *chain.Client) (*fulfill.Fulfiller, error) {
	resolver, err := newResolver(cfg, chainClient)
	if err != nil {
		return nil, err
	}
	aggregator, err := aggregation.NewClient(cfg.Aggregator.ClientConfig(), nil)
	if err != nil {
		return nil, err
	}
	orchestrator := fulfill.NewOrchestrator(resolver, chainClient, fulfill.WithConcurrency(cfg.Fulfill.Concurrency))
	submitter := fulfill.NewBatchSubmitter(chainClient)
	logger.L().Debug("履约流水线已就绪",
		slog.String("market", chainClient.MarketAddress().Hex()),
		slog.String("aggregator", cfg.Aggregator.URL))
	return fulfill.NewFulfiller(orchestrator, aggregator, submitter, fulfill.WithAlertDispatcher(newDispatcher(cfg))), nil
}
