package engine

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/koustreak/Sluice/internal/errs"
)

// BuildResult assembles a successful QueryResult. Rows serialise as a JSON
// array of objects keyed by column name; an empty result set serialises
// to "[]".
func BuildResult(columns []string, rows [][]any, affected int64, elapsed time.Duration) (*QueryResult, error) {
	objects := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(row) {
				obj[col] = normalizeValue(row[i])
			}
		}
		objects = append(objects, obj)
	}

	data, err := json.Marshal(objects)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindBadData, "cannot serialise result rows", err)
	}

	return &QueryResult{
		Success:       true,
		DataJSON:      string(data),
		RowCount:      len(rows),
		ColumnCount:   len(columns),
		ColumnNames:   columns,
		AffectedRows:  affected,
		ExecutionTime: elapsed,
	}, nil
}

// FailedResult wraps an execution error into a structured failure.
func FailedResult(err error, elapsed time.Duration) *QueryResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &QueryResult{
		Success:       false,
		DataJSON:      "[]",
		ErrorMessage:  msg,
		ExecutionTime: elapsed,
	}
}

// normalizeValue makes driver values JSON-friendly. Byte slices become
// strings, timestamps render as RFC 3339.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// ReturnsRows classifies a statement: result-set producing statements are
// executed through the query path, everything else through the exec path.
func ReturnsRows(sql string) bool {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return false
	}
	head := strings.ToUpper(firstWord(trimmed))
	switch head {
	case "SELECT", "WITH", "VALUES", "SHOW", "PRAGMA", "EXPLAIN", "DESCRIBE":
		return true
	}
	return false
}

func firstWord(s string) string {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r', '(':
			return s[:i]
		}
	}
	return s
}
