package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/Sluice/internal/errs"
)

func TestParseTyped(t *testing.T) {
	doc := `{
		"INTEGER": {"id": 42, "limit": 10},
		"STRING":  {"status": "queued"},
		"BOOLEAN": {"active": true},
		"FLOAT":   {"ratio": 0.5, "count": 3}
	}`

	list, err := ParseTyped(doc)
	require.NoError(t, err)
	require.Equal(t, 6, list.Len())

	// Document order is preserved.
	assert.Equal(t, "id", list.Params[0].Name)
	assert.Equal(t, int64(42), list.Params[0].Value)
	assert.Equal(t, "limit", list.Params[1].Name)
	assert.Equal(t, "queued", list.Lookup("status").Value)
	assert.Equal(t, true, list.Lookup("active").Value)
	assert.Equal(t, 0.5, list.Lookup("ratio").Value)

	// Integers are accepted for FLOAT parameters.
	assert.Equal(t, 3.0, list.Lookup("count").Value)
}

func TestParseTyped_Empty(t *testing.T) {
	list, err := ParseTyped("")
	require.NoError(t, err)
	assert.Equal(t, 0, list.Len())

	list, err = ParseTyped("{}")
	require.NoError(t, err)
	assert.Equal(t, 0, list.Len())
}

func TestParseTyped_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"null value", `{"INTEGER": {"id": null}}`},
		{"type mismatch string", `{"INTEGER": {"id": "42"}}`},
		{"type mismatch bool", `{"STRING": {"s": true}}`},
		{"nested value", `{"STRING": {"s": {"x": 1}}}`},
		{"not an object", `[1,2,3]`},
		{"group not object", `{"INTEGER": [1]}`},
		{"truncated", `{"INTEGER": {"id": 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTyped(tt.doc)
			require.Error(t, err)
			assert.True(t, errs.IsBadData(err), "expected bad_data, got %v", err)
		})
	}
}

func TestParseTyped_TemporalKeptRaw(t *testing.T) {
	// A malformed date literal parses successfully; validation is
	// deferred to bind time.
	list, err := ParseTyped(`{"DATE": {"when": "2026-13-45"}}`)
	require.NoError(t, err)
	assert.Equal(t, "2026-13-45", list.Lookup("when").Value)

	_, err = Bind(list.Lookup("when"))
	require.Error(t, err)
	assert.True(t, errs.IsBadData(err))
}

func TestParseTyped_UnknownSectionSkipped(t *testing.T) {
	list, err := ParseTyped(`{"COMMENT": {"a": 1}, "INTEGER": {"id": 7}}`)
	require.NoError(t, err)
	require.Equal(t, 1, list.Len())
	assert.Equal(t, int64(7), list.Lookup("id").Value)
}

func TestConvertNamedToPositional(t *testing.T) {
	list, err := ParseTyped(`{"INTEGER": {"a": 1, "b": 2}}`)
	require.NoError(t, err)

	t.Run("dollar markers with repeats", func(t *testing.T) {
		sql, ordered, err := ConvertNamedToPositional(
			"SELECT * FROM t WHERE x = :a AND y = :b AND z = :a", list, PlaceholderDollar)
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM t WHERE x = $1 AND y = $2 AND z = $3", sql)
		require.Len(t, ordered, 3)
		assert.Equal(t, "a", ordered[0].Name)
		assert.Equal(t, "b", ordered[1].Name)
		assert.Equal(t, "a", ordered[2].Name)
	})

	t.Run("question markers", func(t *testing.T) {
		sql, ordered, err := ConvertNamedToPositional(
			"UPDATE t SET x = :a WHERE y = :b", list, PlaceholderQuestion)
		require.NoError(t, err)
		assert.Equal(t, "UPDATE t SET x = ? WHERE y = ?", sql)
		assert.Len(t, ordered, 2)
	})

	t.Run("no placeholders", func(t *testing.T) {
		sql, ordered, err := ConvertNamedToPositional("SELECT 1", list, PlaceholderDollar)
		require.NoError(t, err)
		assert.Equal(t, "SELECT 1", sql)
		assert.Empty(t, ordered)
	})

	t.Run("unresolved name", func(t *testing.T) {
		_, _, err := ConvertNamedToPositional("SELECT :missing", list, PlaceholderDollar)
		require.Error(t, err)
		assert.True(t, errs.IsBadData(err))
	})

	t.Run("empty template", func(t *testing.T) {
		_, _, err := ConvertNamedToPositional("", list, PlaceholderDollar)
		require.Error(t, err)
		assert.True(t, errs.IsInvalidInput(err))
	})

	t.Run("bare colon passes through", func(t *testing.T) {
		sql, ordered, err := ConvertNamedToPositional(
			"SELECT '12:30' AS t, :a AS v", list, PlaceholderQuestion)
		require.NoError(t, err)
		assert.Equal(t, "SELECT '12:30' AS t, ? AS v", sql)
		assert.Len(t, ordered, 1)
	})
}

func TestBind(t *testing.T) {
	tests := []struct {
		name  string
		param *TypedParameter
		want  any
	}{
		{"integer", &TypedParameter{Name: "n", Type: TypeInteger, Value: int64(5)}, int64(5)},
		{"text", &TypedParameter{Name: "t", Type: TypeText, Value: "body"}, "body"},
		{"bool", &TypedParameter{Name: "b", Type: TypeBoolean, Value: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Bind(tt.param)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("valid date", func(t *testing.T) {
		got, err := Bind(&TypedParameter{Name: "d", Type: TypeDate, Value: "2026-08-30"})
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("valid timestamp with fraction", func(t *testing.T) {
		_, err := Bind(&TypedParameter{Name: "ts", Type: TypeTimestamp, Value: "2026-08-30 12:01:02.5"})
		require.NoError(t, err)
	})

	t.Run("invalid time literal", func(t *testing.T) {
		_, err := Bind(&TypedParameter{Name: "tm", Type: TypeTime, Value: "25:99"})
		require.Error(t, err)
	})

	t.Run("nil parameter", func(t *testing.T) {
		_, err := Bind(nil)
		require.Error(t, err)
		assert.True(t, errs.IsInvalidInput(err))
	})
}

func TestBindAll_StopsOnFirstError(t *testing.T) {
	ordered := []*TypedParameter{
		{Name: "a", Type: TypeInteger, Value: int64(1)},
		{Name: "d", Type: TypeDate, Value: "not-a-date"},
	}
	_, err := BindAll(ordered)
	require.Error(t, err)
	assert.True(t, errs.IsBadData(err))
}
