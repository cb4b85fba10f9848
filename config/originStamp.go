package config

import (
	"context"
	"reflect"

	"github.com/mmdatafocus/cashrecon_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// OriginStampPlugin fills origin_node on create from the node id carried in the context.
// Rows that already carry an origin (received from another node) are left untouched.
//
// NOTE:
// - This does NOT apply to Raw SQL. The mirror receiver writes origin_node itself.
type OriginStampPlugin struct{}

func NewOriginStampPlugin() *OriginStampPlugin { return &OriginStampPlugin{} }

func (p *OriginStampPlugin) Name() string { return "origin_stamp" }

func (p *OriginStampPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Create().Before("gorm:create").Register("origin_stamp:create", originStampCallback)
}

func originStampCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	nodeId := nodeIdFromContext(ctx)
	if nodeId == "" {
		return
	}
	field := db.Statement.Schema.LookUpField("origin_node")
	if field == nil {
		return
	}

	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			stampOrigin(ctx, field, reflect.Indirect(rv.Index(i)), nodeId)
		}
	case reflect.Struct:
		stampOrigin(ctx, field, rv, nodeId)
	}
}

func stampOrigin(ctx context.Context, field *schema.Field, rv reflect.Value, nodeId string) {
	if _, zero := field.ValueOf(ctx, rv); zero {
		if err := field.Set(ctx, rv, nodeId); err != nil {
			logg.WithError(err).Warn("origin_stamp: cannot set origin_node")
		}
	}
}

func nodeIdFromContext(ctx context.Context) string {
	if v, ok := appctx.GetString(ctx, appctx.ContextKeyNodeId); ok {
		return v
	}
	return ""
}
