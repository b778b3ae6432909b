package api

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputTo(t *testing.T) {
	data := struct {
		JobID string          `json:"job_id"`
		Data  json.RawMessage `json:"data"`
	}{JobID: "j1", Data: json.RawMessage(`{"index":2}`)}

	var buf bytes.Buffer
	require.NoError(t, OutputTo(&buf, OutputFormatYAML, data))
	assert.Equal(t, "data:\n  index: 2\njob_id: j1\n", buf.String())

	buf.Reset()
	require.NoError(t, OutputTo(&buf, OutputFormatJSON, data))
	assert.JSONEq(t, `{"job_id":"j1","data":{"index":2}}`, buf.String())
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatYAML, f)

	f, err = ParseOutputFormat("json")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSON, f)

	_, err = ParseOutputFormat("xml")
	assert.Error(t, err)
}
