package intake

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/pkg/logger"
)

// Service 校验并投递批次。
type Service struct {
	producer Producer
	now      func() time.Time
}

// NewService 创建向 producer 投递的服务。
func NewService(producer Producer) *Service {
	return &Service{producer: producer, now: time.Now}
}

// Submit 校验批次，缺省时分配 ID 后投递。无效批次在此处被拒绝，不会进入 worker。
func (s *Service) Submit(ctx context.Context, job Job) (*Job, error) {
	if s.producer == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "批次队列未初始化")
	}
	if _, err := job.Request(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	job.SubmittedAt = s.now().UTC()

	payload, err := encodeJob(job)
	if err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, payload); err != nil {
		logger.L().Error("批次入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布批次到队列失败",
			xerrors.WithRequestIDs(job.RequestIDs))
	}
	logger.Audit().Info("批次入队成功",
		slog.String("job_id", job.ID),
		slog.String("batch", strings.Join(job.RequestIDs, ",")),
	)
	return &job, nil
}

// Close 关闭 producer。
func (s *Service) Close() error {
	if s.producer == nil {
		return nil
	}
	return s.producer.Close()
}
