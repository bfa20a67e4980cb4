package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemPrompt_DescribesSchemaAndContract(t *testing.T) {
	for _, want := range []string{
		"videos",
		"video_snapshots",
		"creator_id",
		"video_created_at",
		"delta_views_count",
		`{"sql": "<SQL>"}`,
		"ОДНО ЧИСЛО",
		"COUNT, SUM, AVG, MIN, MAX, DISTINCT, date, COALESCE, EXTRACT",
		"точку с запятой",
	} {
		require.Contains(t, SystemPrompt, want)
	}
}

func TestSystemPrompt_ExamplesAreExtractableAndSafe(t *testing.T) {
	var examples []string
	for _, line := range strings.Split(SystemPrompt, "\n") {
		if _, after, ok := strings.Cut(line, " -> "); ok {
			examples = append(examples, after)
		}
	}
	require.GreaterOrEqual(t, len(examples), 5)

	for _, ex := range examples {
		got, ok := ExtractSQL(ex)
		require.True(t, ok, ex)
		require.Equal(t, "bare_json", got.Strategy)
		require.NotContains(t, got.SQL, ";")
		require.True(t, strings.HasPrefix(got.SQL, "SELECT"), got.SQL)
	}
}
