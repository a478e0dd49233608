package storage

import (
	"context"
	"errors"

	"consensus-trader/internal/model"
)

// SnapshotSaver 与 stream.SnapshotSink 同形
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap *model.MarketSnapshot) error
}

// MultiSink 依次写入所有 sink，单个失败不影响其余
type MultiSink []SnapshotSaver

func (m MultiSink) SaveSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveSnapshot(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
