package preflight

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
	"ProofMarket/pkg/logger"
)

// CodePredicateFailed marks a journal that does not satisfy the request.
const CodePredicateFailed xerrors.Code = "PREDICATE_FAILED"

func init() {
	xerrors.Register(CodePredicateFailed, xerrors.Attributes{
		Message:  "request predicate not satisfied",
		Severity: xerrors.SeverityWarning,
	})
}

// Execute loads the guest for req, runs it with executor and checks the
// journal against the request predicate.
func Execute(ctx context.Context, fetcher Fetcher, executor Executor, req market.ProofRequest) (*SessionInfo, error) {
	ids := []string{market.IDHex(req.ID)}
	guest, err := LoadGuest(ctx, fetcher, req)
	if err != nil {
		return nil, err
	}

	session, err := executor.Execute(ctx, guest.Program, guest.Stdin)
	if err != nil {
		return nil, xerrors.Annotate(err, xerrors.CodeBackend, xerrors.StagePreflight, ids)
	}

	ok, err := req.Requirements.Predicate.Eval(session.Journal)
	if err != nil {
		return nil, xerrors.Wrap(CodePredicateFailed, err, "无法评估请求谓词",
			xerrors.WithStage(xerrors.StagePreflight), xerrors.WithRequestIDs(ids))
	}
	if !ok {
		return nil, xerrors.New(CodePredicateFailed,
			fmt.Sprintf("journal 不满足 %s 谓词", req.Requirements.Predicate.Type),
			xerrors.WithStage(xerrors.StagePreflight), xerrors.WithRequestIDs(ids))
	}

	logger.Named("preflight").Info("预执行通过",
		slog.String("request_id", ids[0]),
		slog.Uint64("cycles", session.Cycles),
		slog.Int("journal_bytes", len(session.Journal)))
	return session, nil
}
