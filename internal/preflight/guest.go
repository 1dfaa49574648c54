// Package preflight loads a request's guest program and input and executes
// it locally to check the request predicate before committing to prove it.
package preflight

import (
	"context"
	"fmt"
	"strings"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
)

// Fetcher downloads URL contents.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Guest is a request's program image and decoded stdin.
type Guest struct {
	Program []byte
	Stdin   []byte
}

// LoadGuest fetches the program from the request image URL and resolves the
// input descriptor into stdin bytes.
func LoadGuest(ctx context.Context, fetcher Fetcher, req market.ProofRequest) (Guest, error) {
	ids := []string{market.IDHex(req.ID)}
	if strings.TrimSpace(req.ImageURL) == "" {
		return Guest{}, xerrors.New(xerrors.CodeMalformed, "请求缺少 imageUrl",
			xerrors.WithStage(xerrors.StageFetch), xerrors.WithRequestIDs(ids))
	}
	program, err := fetcher.Fetch(ctx, req.ImageURL)
	if err != nil {
		return Guest{}, xerrors.Annotate(err, xerrors.CodeNotFound, xerrors.StageFetch, ids)
	}

	var envBytes []byte
	switch req.Input.Type {
	case market.InputInline:
		envBytes = req.Input.Data
	case market.InputURL:
		inputURL := string(req.Input.Data)
		envBytes, err = fetcher.Fetch(ctx, inputURL)
		if err != nil {
			return Guest{}, xerrors.Annotate(err, xerrors.CodeNotFound, xerrors.StageFetch, ids)
		}
	default:
		return Guest{}, xerrors.New(xerrors.CodeMalformed, fmt.Sprintf("未知输入类型 %s", req.Input.Type),
			xerrors.WithStage(xerrors.StageFetch), xerrors.WithRequestIDs(ids))
	}

	env, err := market.DecodeGuestEnv(envBytes)
	if err != nil {
		return Guest{}, xerrors.Annotate(err, xerrors.CodeMalformed, xerrors.StageFetch, ids)
	}
	return Guest{Program: program, Stdin: env.Stdin}, nil
}
