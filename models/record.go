package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	ColumnID           = "id"
	ColumnCreatedAt    = "created_at"
	ColumnUpdatedAt    = "updated_at"
	ColumnLastSyncedAt = "last_synced_at"
)

// Record is one row of a syncable table as the sync engine sees it.
// Fields holds every column except id, updated_at and last_synced_at.
type Record struct {
	ID           int64
	UpdatedAt    *time.Time
	LastSyncedAt *time.Time
	Fields       map[string]interface{}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts the formats used by the app and by both database
// drivers. Results are UTC and truncated to whole seconds, the precision of
// the datetime columns.
func ParseTimestamp(v interface{}) (*time.Time, bool) {
	var t time.Time
	switch x := v.(type) {
	case nil:
		return nil, false
	case time.Time:
		if x.IsZero() {
			return nil, false
		}
		t = x
	case *time.Time:
		if x == nil || x.IsZero() {
			return nil, false
		}
		t = *x
	case []byte:
		return ParseTimestamp(string(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, false
		}
		parsed := false
		for _, layout := range timestampLayouts {
			if p, err := time.Parse(layout, s); err == nil {
				t, parsed = p, true
				break
			}
		}
		if !parsed {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, false
			}
			t = time.Unix(n, 0)
		}
	case float64:
		t = time.Unix(int64(x), 0)
	case int64:
		t = time.Unix(x, 0)
	case int:
		t = time.Unix(int64(x), 0)
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return nil, false
		}
		t = time.Unix(n, 0)
	default:
		return nil, false
	}
	t = t.UTC().Truncate(time.Second)
	return &t, true
}

func FormatTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// ParseID returns the numeric id of v, or 0 when v is not a usable id.
func ParseID(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		if x != math.Trunc(x) {
			return 0
		}
		return int64(x)
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case []byte:
		return ParseID(string(x))
	default:
		return 0
	}
}

// DecodeRecord splits a raw JSON object into a Record. A missing or
// malformed id yields ID 0, which callers treat as "skip".
func DecodeRecord(raw map[string]interface{}) Record {
	rec := Record{Fields: make(map[string]interface{}, len(raw))}
	for k, v := range raw {
		switch k {
		case ColumnID:
			rec.ID = ParseID(v)
		case ColumnUpdatedAt:
			rec.UpdatedAt, _ = ParseTimestamp(v)
		case ColumnLastSyncedAt:
			rec.LastSyncedAt, _ = ParseTimestamp(v)
		default:
			rec.Fields[k] = normalizeValue(v)
		}
	}
	return rec
}

// DecodeRow builds a Record from a row read with Find(&[]map[string]interface{}).
func DecodeRow(table SyncTable, row map[string]interface{}) Record {
	rec := DecodeRecord(row)
	for _, c := range table.DateColumns() {
		if v, ok := rec.Fields[c]; ok {
			if t, ok := ParseTimestamp(v); ok {
				rec.Fields[c] = t.Format("2006-01-02")
			}
		}
	}
	for k, v := range rec.Fields {
		switch x := v.(type) {
		case []byte:
			rec.Fields[k] = string(x)
		case time.Time:
			rec.Fields[k] = FormatTimestamp(&x)
		}
	}
	return rec
}

func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return v
	}
}

// Payload is the JSON object exchanged with the app.
func (r Record) Payload() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[ColumnID] = r.ID
	out[ColumnUpdatedAt] = FormatTimestamp(r.UpdatedAt)
	out[ColumnLastSyncedAt] = FormatTimestamp(r.LastSyncedAt)
	return out
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Payload())
}

// String returns a fillable field as text, or "" when absent.
func (r Record) String(column string) string {
	v, ok := r.Fields[column]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
