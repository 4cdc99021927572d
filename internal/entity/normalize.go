package entity

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RawRecord is an API record as delivered, before normalization. It is
// ephemeral and never persisted.
type RawRecord map[string]any

// Row is the typed projection of one RawRecord onto a Schema. Values are
// aligned with Schema.Columns; Key duplicates the primary identifier for
// in-batch deduplication. Rows are immutable once produced.
type Row struct {
	Key           string
	Values        []any
	LoadTimestamp time.Time
}

// Batch is an ordered sequence of rows sharing one entity and one fetch
// window. It is the unit of merge-transaction atomicity. Skipped counts the
// sibling records normalization dropped while producing the batch, carried
// along so the merge result can report them.
type Batch struct {
	Entity  string
	Rows    []Row
	Skipped int
}

// SkipError reports a per-record normalization defect. It excludes the record
// from the batch without aborting sibling records.
type SkipError struct {
	Entity string
	Reason string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skip %s record: %s", e.Entity, e.Reason)
}

// Control characters that Snowflake-style warehouses reject inside VARCHAR
// payloads; stripped rather than escaped.
var illegalChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)

// Normalize projects a raw record onto the schema's columns. Type-coercion
// and required-field failures return a *SkipError; the caller counts the skip
// and moves on.
func Normalize(rec RawRecord, s Schema, loadTS time.Time) (Row, error) {
	row := Row{
		Values:        make([]any, len(s.Columns)),
		LoadTimestamp: loadTS,
	}
	for i, col := range s.Columns {
		val, err := coerce(rec[col.Source], col)
		if err != nil {
			return Row{}, &SkipError{Entity: s.Name, Reason: err.Error()}
		}
		if col.Required && (val == nil || val == "") {
			return Row{}, &SkipError{
				Entity: s.Name,
				Reason: fmt.Sprintf("required column %s is missing", col.Name),
			}
		}
		if col.Name == KeyColumn {
			key, ok := val.(string)
			if !ok {
				return Row{}, &SkipError{Entity: s.Name, Reason: "primary key is not textual"}
			}
			row.Key = key
		}
		row.Values[i] = val
	}
	return row, nil
}

func coerce(v any, col Column) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Kind {
	case KindBool:
		return coerceBool(v, col.Name)
	case KindJSON:
		return coerceJSON(v, col.Name)
	default:
		return coerceText(v, col.Name)
	}
}

func coerceText(v any, name string) (any, error) {
	switch t := v.(type) {
	case string:
		return scrub(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	default:
		return nil, fmt.Errorf("column %s: cannot coerce %T to text", name, v)
	}
}

func coerceBool(v any, name string) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		parsed, err := strconv.ParseBool(strings.ToLower(t))
		if err != nil {
			return nil, fmt.Errorf("column %s: cannot coerce %q to bool", name, t)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("column %s: cannot coerce %T to bool", name, v)
	}
}

// coerceJSON flattens maps and lists into a JSON string for a JSONB column.
// The export API delivers `detail` as a nested object and `external_ids` as a
// list of identity objects; both round-trip through encoding/json.
func coerceJSON(v any, name string) (any, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, nil
		}
		return scrub(t), nil
	case map[string]any, []any:
		buf, err := json.Marshal(scrubAny(t))
		if err != nil {
			return nil, fmt.Errorf("column %s: marshal json: %w", name, err)
		}
		return string(buf), nil
	default:
		return nil, fmt.Errorf("column %s: cannot coerce %T to json", name, v)
	}
}

func scrub(s string) string {
	return illegalChars.ReplaceAllString(s, "")
}

func scrubAny(v any) any {
	switch t := v.(type) {
	case string:
		return scrub(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = scrubAny(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = scrubAny(val)
		}
		return out
	default:
		return v
	}
}
