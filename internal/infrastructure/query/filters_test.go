package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sideseat/internal/core/domain/apierr"
	"sideseat/internal/core/domain/span"
)

func TestParseFiltersMapsViewColumns(t *testing.T) {
	conds, aerr := parseFilters(`[
		{"type":"string","column":"name","operator":"contains","value":"agent"},
		{"type":"string","column":"provider","operator":"eq","value":"anthropic"}
	]`)
	require.Nil(t, aerr)
	require.Len(t, conds, 2)
	assert.Equal(t, "span_name", conds[0].Column)
	assert.Equal(t, span.OpContains, conds[0].Operator)
	assert.Equal(t, "system", conds[1].Column)
}

func TestParseFiltersRejectsUnknownColumn(t *testing.T) {
	_, aerr := parseFilters(`[{"type":"string","column":"raw_span","operator":"eq","value":"x"}]`)
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeInvalidFilterColumn, aerr.Code)
}

func TestParseFiltersRejectsOperatorTypeMismatch(t *testing.T) {
	// contains is a string operator; numbers only take comparisons.
	_, aerr := parseFilters(`[{"type":"number","column":"duration_ms","operator":"contains","value":5}]`)
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeInvalidFilterOp, aerr.Code)
}

func TestParseFiltersEnforcesSizeCaps(t *testing.T) {
	_, aerr := parseFilters(strings.Repeat(" ", span.MaxFilterJSONBytes+1))
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeFilterJSONTooLarge, aerr.Code)

	var many []string
	for i := 0; i <= span.MaxFilterCount; i++ {
		many = append(many, `{"type":"string","column":"model","operator":"eq","value":"m"}`)
	}
	_, aerr = parseFilters("[" + strings.Join(many, ",") + "]")
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeTooManyFilters, aerr.Code)
}

func TestParseFiltersDatetimeCoercion(t *testing.T) {
	conds, aerr := parseFilters(`[{"type":"datetime","column":"timestamp_start","operator":"gte","value":"2026-01-02T15:04:05Z"}]`)
	require.Nil(t, aerr)
	require.Len(t, conds, 1)

	_, aerr = parseFilters(`[{"type":"datetime","column":"timestamp_start","operator":"gte","value":"yesterday"}]`)
	require.NotNil(t, aerr)
}

func TestParseFiltersStringOptions(t *testing.T) {
	conds, aerr := parseFilters(`[{"type":"string_options","column":"tags","operator":"array_contains","value":"prod"}]`)
	require.Nil(t, aerr)
	assert.Equal(t, span.OpArrayContains, conds[0].Operator)
}

func TestParseOrderBy(t *testing.T) {
	ob, aerr := parseOrderBy("duration:asc")
	require.Nil(t, aerr)
	assert.Equal(t, "duration_ms", ob.Column)
	assert.False(t, ob.Desc)

	// Direction defaults to DESC.
	ob, aerr = parseOrderBy("timestamp_start")
	require.Nil(t, aerr)
	assert.True(t, ob.Desc)

	_, aerr = parseOrderBy("raw_span:asc")
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeInvalidOrderColumn, aerr.Code)
}

func TestParsePagination(t *testing.T) {
	limit, offset := parsePagination("3", "20")
	assert.Equal(t, 20, limit)
	assert.Equal(t, 40, offset)

	limit, offset = parsePagination("", "")
	assert.Equal(t, defaultPageSize, limit)
	assert.Zero(t, offset)

	limit, _ = parsePagination("1", "100000")
	assert.Equal(t, maxPageSize, limit)
}
