package cache

import (
	"context"
	"time"
)

// ReportCache holds serialized GST report payloads keyed by report type,
// hospital and date range. Entries expire on TTL; a freshly written invoice
// can therefore lag in a cached report for at most the configured TTL.
type ReportCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}
