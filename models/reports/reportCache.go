package reports

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/cashrecon_backend/config"
	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/sirupsen/logrus"
)

func reportCacheTTL() time.Duration {
	// Env: REPORT_CACHE_TTL_SECONDS (default 120s)
	return time.Duration(utils.IntFromEnv("REPORT_CACHE_TTL_SECONDS", 120)) * time.Second
}

func reportSlowMs() int64 {
	ms := int64(500)
	if v := strings.TrimSpace(os.Getenv("REPORT_SLOW_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ms = n
		}
	}
	return ms
}

func logSlowReport(ctx context.Context, name string, started time.Time, extra map[string]any) {
	d := time.Since(started)
	if d.Milliseconds() < reportSlowMs() {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	node, _ := utils.GetNodeIdFromContext(ctx)
	config.GetLogger().WithFields(logrus.Fields{
		"report":         name,
		"ms":             d.Milliseconds(),
		"node_id":        node,
		"correlation_id": cid,
		"extra":          extra,
	}).Warn("slow report")
}

func cacheGet[T any](ctx context.Context, key string, dest *T) (bool, error) {
	if !config.ReportCacheEnabled() {
		return false, nil
	}
	return config.GetRedisObject(ctx, key, dest)
}

func cacheSet(ctx context.Context, key string, obj any) error {
	if !config.ReportCacheEnabled() {
		return nil
	}
	return config.SetRedisObject(ctx, key, obj, reportCacheTTL())
}
