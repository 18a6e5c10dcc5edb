package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepairJSONStripsCodeFences(t *testing.T) {
	raw := "```json\n[\"alpha\", \"beta\"]\n```"
	repaired := repairJSON(raw)
	var out []string
	require.NoError(t, json.Unmarshal([]byte(repaired), &out))
	require.Equal(t, []string{"alpha", "beta"}, out)
}

func TestRepairJSONBalancesBracketsAndBraces(t *testing.T) {
	raw := `{"keywords": ["alpha", "beta"`
	repaired := repairJSON(raw)
	var out map[string][]string
	require.NoError(t, json.Unmarshal([]byte(repaired), &out))
	require.Equal(t, []string{"alpha", "beta"}, out["keywords"])
}

func TestRepairJSONClosesDanglingString(t *testing.T) {
	raw := `["alpha", "beta`
	repaired := repairJSON(raw)
	var out []string
	require.NoError(t, json.Unmarshal([]byte(repaired), &out))
	require.Equal(t, []string{"alpha", "beta"}, out)
}
