package utils

import (
	"context"

	"github.com/mmdatafocus/cashrecon_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyNodeId        = appctx.ContextKeyNodeId
	ContextKeySyncTrigger   = appctx.ContextKeySyncTrigger
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetNodeIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyNodeId)
}

func SetNodeIdInContext(ctx context.Context, nodeId string) context.Context {
	return appctx.Set(ctx, ContextKeyNodeId, nodeId)
}

func GetSyncTriggerFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySyncTrigger)
}

func SetSyncTriggerInContext(ctx context.Context, trigger string) context.Context {
	return appctx.Set(ctx, ContextKeySyncTrigger, trigger)
}
