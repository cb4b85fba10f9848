package mirrorsync

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/cashrecon_backend/store"
	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/shopspring/decimal"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// coerce converts a value read from a store or decoded from JSON into the canonical Go type of kind:
// int64, decimal.Decimal, string, time.Time (UTC) or bool. nil stays nil.
func coerce(kind ColumnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindInt:
		return toInt64(v)
	case KindDecimal:
		return toDecimal(v)
	case KindText:
		return toText(v)
	case KindTime:
		return toTime(v)
	case KindBool:
		return toBool(v)
	}
	return nil, fmt.Errorf("unknown column kind %d", kind)
}

func toInt64(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, nil
		}
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("cannot use %T as integer", v)
}

func toDecimal(v any) (any, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case json.Number:
		return decimal.NewFromString(x.String())
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, nil
		}
		return utils.ParseDecimal(x)
	}
	return nil, fmt.Errorf("cannot use %T as decimal", v)
}

func toText(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.Number:
		return x.String(), nil
	case int64, int, float64, bool:
		return fmt.Sprint(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	}
	return nil, fmt.Errorf("cannot use %T as text", v)
}

func toTime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("cannot parse time %q", x)
	}
	return nil, fmt.Errorf("cannot use %T as time", v)
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return f != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "t", "yes":
			return true, nil
		case "0", "false", "f", "no", "":
			return false, nil
		}
	}
	return nil, fmt.Errorf("cannot use %v as bool", v)
}

// normalizeRow keeps only the columns of t and coerces each value to its kind.
func normalizeRow(t Table, raw store.Row) (store.Row, error) {
	out := make(store.Row, len(t.Columns))
	for _, c := range t.Columns {
		v, ok := raw[c.Name]
		if !ok {
			continue
		}
		cv, err := coerce(c.Kind, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out[c.Name] = cv
	}
	return out, nil
}

func rowId(row store.Row) int64 {
	v, err := toInt64(row["id"])
	if err != nil || v == nil {
		return 0
	}
	return v.(int64)
}
