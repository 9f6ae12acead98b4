package geometry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNil(t *testing.T) {
	out, err := Normalize(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNormalizeGeoJSON(t *testing.T) {
	t.Run("geometry object passes through", func(t *testing.T) {
		out, err := Normalize(map[string]any{
			"type":        "Point",
			"coordinates": []any{30.5, 50.4},
		}, 0)
		require.NoError(t, err)

		var parsed map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &parsed))
		assert.Equal(t, "Point", parsed["type"])
	})

	t.Run("feature is unwrapped to its geometry", func(t *testing.T) {
		out, err := Normalize(map[string]any{
			"type": "Feature",
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []any{1.0, 2.0},
			},
			"properties": map[string]any{"name": "x"},
		}, 0)
		require.NoError(t, err)
		assert.NotContains(t, out, "Feature")
		assert.Contains(t, out, `"Point"`)
	})

	t.Run("geojson string input", func(t *testing.T) {
		out, err := Normalize(`{"type": "Polygon", "coordinates": []}`, 0)
		require.NoError(t, err)
		assert.Contains(t, out, `"Polygon"`)
	})

	t.Run("non-default CRS is rejected", func(t *testing.T) {
		_, err := Normalize(map[string]any{
			"type":        "Point",
			"coordinates": []any{1.0, 2.0},
			"crs": map[string]any{
				"type":       "name",
				"properties": map[string]any{"name": "EPSG:3857"},
			},
		}, 0)
		assert.Error(t, err)
	})

	t.Run("unrecognized document", func(t *testing.T) {
		_, err := Normalize(map[string]any{"foo": "bar"}, 0)
		assert.Error(t, err)
	})
}

func TestNormalizeCoordinatePair(t *testing.T) {
	out, err := Normalize([]any{30.5, 50.4}, 0)
	require.NoError(t, err)
	assert.Equal(t, "SRID=4326;POINT(30.5 50.4)", out)

	out, err = Normalize([]any{1.0, 2.0}, 3857)
	require.NoError(t, err)
	assert.Equal(t, "SRID=3857;POINT(1 2)", out)

	_, err = Normalize([]any{1.0}, 0)
	assert.Error(t, err)
}

func TestNormalizeWKT(t *testing.T) {
	t.Run("bare WKT gets the default SRID tag", func(t *testing.T) {
		out, err := Normalize("POINT(30.5 50.4)", 0)
		require.NoError(t, err)
		assert.Equal(t, "SRID=4326;POINT(30.5 50.4)", out)
	})

	t.Run("explicit SRID overrides the default", func(t *testing.T) {
		out, err := Normalize("POLYGON((0 0,1 0,1 1,0 0))", 3857)
		require.NoError(t, err)
		assert.Equal(t, "SRID=3857;POLYGON((0 0,1 0,1 1,0 0))", out)
	})

	t.Run("EWKT passes through", func(t *testing.T) {
		out, err := Normalize("SRID=3857;POINT(1 2)", 0)
		require.NoError(t, err)
		assert.Equal(t, "SRID=3857;POINT(1 2)", out)
	})

	t.Run("EWKT with invalid SRID", func(t *testing.T) {
		_, err := Normalize("SRID=abc;POINT(1 2)", 0)
		assert.Error(t, err)
	})

	t.Run("EWKT with garbage WKT", func(t *testing.T) {
		_, err := Normalize("SRID=4326;NOTAGEOMETRY", 0)
		assert.Error(t, err)
	})

	t.Run("plain garbage string", func(t *testing.T) {
		_, err := Normalize("hello world", 0)
		assert.Error(t, err)
	})
}

func TestParseEWKT(t *testing.T) {
	srid, wkt, err := ParseEWKT("SRID=4326;POINT(1 2)")
	require.NoError(t, err)
	assert.Equal(t, 4326, srid)
	assert.Equal(t, "POINT(1 2)", wkt)

	_, _, err = ParseEWKT("POINT(1 2)")
	assert.Error(t, err)
}

func TestNormalizeRawMessage(t *testing.T) {
	out, err := Normalize(json.RawMessage(`{"type":"Point","coordinates":[1,2]}`), 0)
	require.NoError(t, err)
	assert.Contains(t, out, `"Point"`)

	out, err = Normalize(json.RawMessage(`"POINT(1 2)"`), 0)
	require.NoError(t, err)
	assert.Equal(t, "SRID=4326;POINT(1 2)", out)

	out, err = Normalize(json.RawMessage(`null`), 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}
