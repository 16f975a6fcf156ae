// Package query serves the read side of the collector (§6): paginated
// trace/session/span listings with the JSON filter DSL of §4.A, detail
// lookups, conversation reconstruction via the feed service, batched
// deletion with file/favorite cascade, the stats aggregation with its
// two-tier cache, and content-addressed file retrieval.
package query

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sideseat/internal/core/domain/apierr"
	"sideseat/internal/core/domain/span"
)

// filterCondition is the wire shape of one DSL entry (§4.A): the type
// names the value family and constrains the legal operators.
type filterCondition struct {
	Type     string `json:"type"`
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// viewToStorage maps the API's column names onto storage columns, so
// the REST surface can rename without a schema migration (§4.A).
var viewToStorage = map[string]string{
	"name":       "span_name",
	"start_time": "timestamp_start",
	"provider":   "system",
	"duration":   "duration_ms",
	"status":     "status_code",
	"category":   "span_category",
}

// operatorsByType is the per-type operator allow-list of §4.A's DSL.
var operatorsByType = map[string]map[string]span.Operator{
	"datetime": {
		"eq": span.OpEquals, "gt": span.OpGreaterThan, "gte": span.OpGreaterEq,
		"lt": span.OpLessThan, "lte": span.OpLessEq,
	},
	"string": {
		"eq": span.OpEquals, "neq": span.OpNotEquals, "contains": span.OpContains,
		"starts_with": span.OpStartsWith, "ends_with": span.OpEndsWith,
	},
	"number": {
		"eq": span.OpEquals, "neq": span.OpNotEquals, "gt": span.OpGreaterThan,
		"gte": span.OpGreaterEq, "lt": span.OpLessThan, "lte": span.OpLessEq,
	},
	"string_options": {
		"in": span.OpIn, "not_in": span.OpNotIn, "array_contains": span.OpArrayContains,
	},
	"boolean": {
		"eq": span.OpEquals,
	},
	"null": {
		"is_null": span.OpNotExists, "is_not_null": span.OpExists,
	},
}

// parseFilters decodes the `filters` query parameter (URL-decoded JSON
// array) into validated storage-level conditions, enforcing the §4.A
// size caps and allow-lists.
func parseFilters(raw string) ([]span.Condition, *apierr.Error) {
	if raw == "" {
		return nil, nil
	}
	if len(raw) > span.MaxFilterJSONBytes {
		return nil, apierr.BadRequest(apierr.CodeFilterJSONTooLarge, "filters JSON exceeds 64KiB")
	}
	var conditions []filterCondition
	if err := json.Unmarshal([]byte(raw), &conditions); err != nil {
		return nil, apierr.BadRequest("FILTER_JSON_INVALID", "filters is not a JSON array of conditions")
	}
	if len(conditions) > span.MaxFilterCount {
		return nil, apierr.BadRequest(apierr.CodeTooManyFilters, fmt.Sprintf("at most %d filters allowed", span.MaxFilterCount))
	}

	out := make([]span.Condition, 0, len(conditions))
	for _, c := range conditions {
		ops, ok := operatorsByType[c.Type]
		if !ok {
			return nil, apierr.BadRequest("INVALID_FILTER_TYPE", "unknown filter type: "+c.Type)
		}
		op, ok := ops[c.Operator]
		if !ok {
			return nil, apierr.BadRequest(apierr.CodeInvalidFilterOp,
				fmt.Sprintf("operator %q is not valid for type %q", c.Operator, c.Type))
		}
		col := c.Column
		if mapped, ok := viewToStorage[col]; ok {
			col = mapped
		}
		if !span.AllowedFilterColumns[col] {
			return nil, apierr.BadRequest(apierr.CodeInvalidFilterColumn, "column is not filterable: "+c.Column)
		}
		value := c.Value
		if c.Type == "datetime" {
			t, err := parseDatetimeValue(value)
			if err != nil {
				return nil, apierr.BadRequest("INVALID_FILTER_VALUE", "datetime value must be RFC3339 or unix milliseconds")
			}
			value = t
		}
		out = append(out, span.Condition{Column: col, Operator: op, Value: value})
	}
	return out, nil
}

func parseDatetimeValue(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		return time.Parse(time.RFC3339, val)
	case float64:
		return time.UnixMilli(int64(val)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported datetime value type %T", v)
	}
}

// allowedSortColumns is the separate sort allow-list of §4.A.
var allowedSortColumns = map[string]bool{
	"timestamp_start": true, "duration_ms": true, "span_name": true,
	"model": true, "status_code": true, "ingested_at": true,
}

// parseOrderBy decodes `order_by=col:asc|desc`; direction defaults to
// DESC per §4.A.
func parseOrderBy(raw string) (*span.OrderBy, *apierr.Error) {
	if raw == "" {
		return nil, nil
	}
	col, dir, hasDir := strings.Cut(raw, ":")
	if mapped, ok := viewToStorage[col]; ok {
		col = mapped
	}
	if !allowedSortColumns[col] {
		return nil, apierr.BadRequest(apierr.CodeInvalidOrderColumn, "column is not sortable: "+col)
	}
	desc := true
	if hasDir {
		switch strings.ToLower(dir) {
		case "asc":
			desc = false
		case "desc":
		default:
			return nil, apierr.BadRequest("INVALID_ORDER_DIRECTION", "order direction must be asc or desc")
		}
	}
	return &span.OrderBy{Column: col, Desc: desc}, nil
}

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// parsePagination decodes page (1-based) and limit into Limit/Offset.
func parsePagination(pageRaw, limitRaw string) (limit, offset int) {
	limit = defaultPageSize
	if limitRaw != "" {
		if n, err := parsePositiveInt(limitRaw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := 1
	if pageRaw != "" {
		if n, err := parsePositiveInt(pageRaw); err == nil && n > 0 {
			page = n
		}
	}
	return limit, (page - 1) * limit
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}
