package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/meeting-coach/internal/types"
)

func TestSchema_DeclaresEveryTable(t *testing.T) {
	tables := []string{
		"transcripts",
		"config_bundles",
		"runs",
		"run_requests",
		"validation_issues",
		"baseline_packs",
		"baseline_pack_items",
		"experiments",
		"experiment_events",
	}
	for _, table := range tables {
		assert.Contains(t, Schema(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
	assert.NotContains(t, strings.ToUpper(Schema()), "DROP ", "migrations must be additive")
}

func TestJSONArg(t *testing.T) {
	var missing *types.ErrorPayload
	got, err := jsonArg(missing)
	require.NoError(t, err)
	assert.Nil(t, got, "nil pointers are stored as NULL")

	got, err = jsonArg(&types.ErrorPayload{Kind: types.KindParse, Message: "bad json"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"parse_failure","message":"bad json"}`, string(got.([]byte)))
}

func TestJSONList(t *testing.T) {
	data, err := jsonList[string](nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	data, err = jsonList([]string{"Alice", "Bob"})
	require.NoError(t, err)
	assert.Equal(t, `["Alice","Bob"]`, string(data))
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *types.ErrorPayload
		wantErr bool
	}{
		{"sql null", nil, nil, false},
		{"json null", []byte("null"), nil, false},
		{"payload", []byte(`{"kind":"internal","message":"boom"}`), &types.ErrorPayload{Kind: types.KindInternal, Message: "boom"}, false},
		{"corrupt", []byte(`{"kind":`), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeJSON[types.ErrorPayload](tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
