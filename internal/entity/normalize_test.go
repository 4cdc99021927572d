package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeConversation(t *testing.T) {
	t.Parallel()

	loadTS := time.Unix(1700000000, 0).UTC()
	rec := RawRecord{
		"last_updated_time": "2024-01-02T03:04:05Z",
		"id":                "conv-1",
		"user_id":           "user-9",
		"created_time":      "2024-01-01T00:00:00Z",
		"route":             "DM",
		"primary_domain":    "IT",
	}

	row, err := Normalize(rec, Conversations(), loadTS)
	require.NoError(t, err)
	require.Equal(t, "conv-1", row.Key)
	require.Equal(t, loadTS, row.LoadTimestamp)
	require.Equal(t, []any{
		"2024-01-02T03:04:05Z", "conv-1", "user-9",
		"2024-01-01T00:00:00Z", "DM", "IT",
	}, row.Values)
}

func TestNormalizeMissingPrimaryKeySkips(t *testing.T) {
	t.Parallel()

	rec := RawRecord{"user_id": "user-9"}
	_, err := Normalize(rec, Conversations(), time.Now())

	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	require.Equal(t, "conversations", skip.Entity)
	require.Contains(t, skip.Reason, "required column id")
}

func TestNormalizeFlattensDetailToJSON(t *testing.T) {
	t.Parallel()

	rec := RawRecord{
		"id": "int-1",
		"detail": map[string]any{
			"content": "hello",
			"domain":  "HR",
		},
		"actor": "USER",
	}

	row, err := Normalize(rec, Interactions(), time.Now())
	require.NoError(t, err)

	var details any
	for i, col := range Interactions().Columns {
		if col.Name == "details" {
			details = row.Values[i]
		}
	}
	require.IsType(t, "", details)
	require.JSONEq(t, `{"content":"hello","domain":"HR"}`, details.(string))
}

func TestNormalizeUsersExternalIDs(t *testing.T) {
	t.Parallel()

	rec := RawRecord{
		"id":            "user-1",
		"access_to_bot": true,
		"external_ids": []any{
			map[string]any{"system": "okta", "value": "u-77"},
		},
	}

	row, err := Normalize(rec, Users(), time.Now())
	require.NoError(t, err)

	byName := map[string]any{}
	for i, col := range Users().Columns {
		byName[col.Name] = row.Values[i]
	}
	require.Equal(t, true, byName["has_access_to_bot"])
	require.JSONEq(t, `[{"system":"okta","value":"u-77"}]`, byName["external_ids"].(string))
}

func TestNormalizeBoolCoercionFailureSkips(t *testing.T) {
	t.Parallel()

	rec := RawRecord{
		"id":     "call-1",
		"served": "definitely",
	}
	_, err := Normalize(rec, PluginCalls(), time.Now())

	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	require.Contains(t, skip.Reason, "served")
}

func TestNormalizeScrubsControlCharacters(t *testing.T) {
	t.Parallel()

	rec := RawRecord{
		"id":    "conv-2",
		"route": "DM\x00\x1fChannel",
	}

	row, err := Normalize(rec, Conversations(), time.Now())
	require.NoError(t, err)

	byName := map[string]any{}
	for i, col := range Conversations().Columns {
		byName[col.Name] = row.Values[i]
	}
	require.Equal(t, "DMChannel", byName["route"])
}

func TestNormalizeNumericIDCoercesToTextKey(t *testing.T) {
	t.Parallel()

	rec := RawRecord{"id": float64(42)}
	row, err := Normalize(rec, Conversations(), time.Now())
	require.NoError(t, err)
	require.Equal(t, "42", row.Key)
}

func TestByName(t *testing.T) {
	t.Parallel()

	s, err := ByName("plugin-calls")
	require.NoError(t, err)
	require.Equal(t, "mw_plugin_calls", s.Table)

	_, err = ByName("widgets")
	require.Error(t, err)
}

func TestAllSchemasHaveRequiredKey(t *testing.T) {
	t.Parallel()

	for _, s := range All() {
		found := false
		for _, col := range s.Columns {
			if col.Name == KeyColumn {
				require.True(t, col.Required, "entity %s key must be required", s.Name)
				found = true
			}
		}
		require.True(t, found, "entity %s missing key column", s.Name)
	}
}
