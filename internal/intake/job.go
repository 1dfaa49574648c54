package intake

import (
	"encoding/json"
	"time"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/fulfill"
	"ProofMarket/internal/market"
)

// Job 是一个排队中的履约批次。Digests 与 TxHashes 可选，且与 RequestIDs 按位置对应。
type Job struct {
	ID          string    `json:"id"`
	RequestIDs  []string  `json:"request_ids"`
	Digests     []string  `json:"request_digests,omitempty"`
	TxHashes    []string  `json:"tx_hashes,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Request 将批次解析为履约请求并校验其结构。
func (j Job) Request() (fulfill.Request, error) {
	ids, err := market.ParseRequestIDs(j.RequestIDs)
	if err != nil {
		return fulfill.Request{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "批次请求 id 无效",
			xerrors.WithMetadata("job_id", j.ID))
	}
	digests, err := market.ParseHashes(j.Digests)
	if err != nil {
		return fulfill.Request{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "批次 request digest 无效",
			xerrors.WithMetadata("job_id", j.ID))
	}
	txHashes, err := market.ParseHashes(j.TxHashes)
	if err != nil {
		return fulfill.Request{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "批次交易哈希无效",
			xerrors.WithMetadata("job_id", j.ID))
	}
	req := fulfill.Request{IDs: ids, Digests: digests, TxHashes: txHashes}
	if err := req.Validate(); err != nil {
		return fulfill.Request{}, err
	}
	return req, nil
}

func encodeJob(j Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化批次失败")
	}
	return data, nil
}

func decodeJob(payload []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, xerrors.Wrap(xerrors.CodeMalformed, err, "解析队列批次失败")
	}
	return j, nil
}
