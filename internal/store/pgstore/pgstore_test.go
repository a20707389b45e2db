package pgstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/tileserver/internal/store"
)

func TestSanitizeIdentReplacesNonAlphanumeric(t *testing.T) {
	assert.Equal(t, "parks_overlay", sanitizeIdent("parks-overlay"))
	assert.Equal(t, "a_b_c", sanitizeIdent("a/b.c"))
	assert.Equal(t, "Already_OK_123", sanitizeIdent("Already_OK_123"))
}

func TestEncodeMetadataValueHandlesKnownTypes(t *testing.T) {
	s, err := encodeMetadataValue("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	s, err = encodeMetadataValue(3.5)
	require.NoError(t, err)
	assert.Equal(t, "3.5", s)

	s, err = encodeMetadataValue(7)
	require.NoError(t, err)
	assert.Equal(t, "7", s)

	s, err = encodeMetadataValue([]float64{1, 2.5, 3})
	require.NoError(t, err)
	assert.Equal(t, "1,2.5,3", s)

	s, err = encodeMetadataValue(map[string]any{"a": 1.0})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, s)
}

func TestDecodeMetadataIntoParsesKnownNames(t *testing.T) {
	m := map[string]any{}

	decodeMetadataInto(m, "minzoom", "3")
	assert.Equal(t, 3, m["minzoom"])

	decodeMetadataInto(m, "bounds", "-1.5, 2, 3, 4")
	assert.Equal(t, []float64{-1.5, 2, 3, 4}, m["bounds"])

	decodeMetadataInto(m, "json", `{"extra":"value"}`)
	assert.Equal(t, "value", m["extra"])

	decodeMetadataInto(m, "description", "a plain string")
	assert.Equal(t, "a plain string", m["description"])
}

func TestDecodeMetadataIntoCoercesVectorLayersFromJSONBlob(t *testing.T) {
	m := map[string]any{}
	decodeMetadataInto(m, "json", `{"vector_layers":["water","roads"]}`)
	assert.Equal(t, []string{"water", "roads"}, m["vector_layers"])
}

func TestDecodeMetadataIntoFallsBackToStringOnUnparsableNumeric(t *testing.T) {
	m := map[string]any{}
	decodeMetadataInto(m, "minzoom", "not-a-number")
	assert.Equal(t, "not-a-number", m["minzoom"])
}

func TestClassifyErrMapsKnownSubstringsToSentinels(t *testing.T) {
	err := classifyErr("get tile", errors.New("deadlock detected"))
	assert.ErrorIs(t, err, store.ErrBackendBusy)

	err = classifyErr("get tile", errors.New("context deadline exceeded"))
	assert.ErrorIs(t, err, store.ErrTimeout)

	err = classifyErr("get tile", errors.New("connection refused"))
	assert.NotErrorIs(t, err, store.ErrBackendBusy)
	assert.NotErrorIs(t, err, store.ErrTimeout)
}

func TestMD5HexIsStableAndHexEncoded(t *testing.T) {
	h1 := md5Hex([]byte("tile-bytes"))
	h2 := md5Hex([]byte("tile-bytes"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
}
