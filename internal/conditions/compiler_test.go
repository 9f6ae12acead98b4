package conditions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileString(t *testing.T, doc string) string {
	t.Helper()
	sql, err := Compile(json.RawMessage(doc), "p_ctx")
	require.NoError(t, err)
	return sql
}

func TestCompileNilCondition(t *testing.T) {
	sql, err := Compile(nil, "p_ctx")
	require.NoError(t, err)
	assert.Equal(t, "TRUE", sql)

	sql, err = Compile(json.RawMessage("null"), "p_ctx")
	require.NoError(t, err)
	assert.Equal(t, "TRUE", sql)
}

func TestCompileEquality(t *testing.T) {
	t.Run("string value", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "attr": "status", "val": "active"}`)
		assert.Equal(t, "(resource.attributes->>'status') = ('active')", sql)
	})

	t.Run("numeric value casts both sides", func(t *testing.T) {
		sql := compileString(t, `{"op": ">", "attr": "size", "val": 100}`)
		assert.Equal(t, "(resource.attributes->>'size')::numeric > (100)::numeric", sql)
	})

	t.Run("boolean value casts both sides", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "attr": "archived", "val": false}`)
		assert.Equal(t, "(resource.attributes->>'archived')::boolean = ('false')::boolean", sql)
	})

	t.Run("quotes are doubled", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "attr": "name", "val": "o'brien"}`)
		assert.Contains(t, sql, "('o''brien')")
	})
}

func TestCompileSources(t *testing.T) {
	t.Run("principal source reads from context parameter", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "source": "principal", "attr": "department", "val": "sales"}`)
		assert.Equal(t, "(p_ctx->'principal'->>'department') = ('sales')", sql)
	})

	t.Run("context source reads from context parameter", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "source": "context", "attr": "channel", "val": "web"}`)
		assert.Equal(t, "(p_ctx->'context'->>'channel') = ('web')", sql)
	})

	t.Run("missing source defaults to resource", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "attr": "kind", "val": "x"}`)
		assert.Contains(t, sql, "resource.attributes->>'kind'")
	})

	t.Run("custom context variable", func(t *testing.T) {
		sql, err := Compile(json.RawMessage(`{"op": "=", "source": "principal", "attr": "id", "val": "1"}`), "ctx")
		require.NoError(t, err)
		assert.Contains(t, sql, "ctx->'principal'->>'id'")
	})
}

func TestCompileRuntimeReferences(t *testing.T) {
	t.Run("principal reference", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "attr": "owner", "val": "$principal.username"}`)
		assert.Equal(t, "(resource.attributes->>'owner') = (p_ctx->'principal'->>'username')", sql)
	})

	t.Run("nested principal path", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "attr": "org", "val": "$principal.profile.org_id"}`)
		assert.Equal(t, "(resource.attributes->>'org') = (p_ctx->'principal'->'profile'->>'org_id')", sql)
	})

	t.Run("context reference", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "attr": "region", "val": "$context.region"}`)
		assert.Equal(t, "(resource.attributes->>'region') = (p_ctx->'context'->>'region')", sql)
	})

	t.Run("resource self reference", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "source": "principal", "attr": "team", "val": "$resource.team"}`)
		assert.Equal(t, "(p_ctx->'principal'->>'team') = (resource.attributes->>'team')", sql)
	})

	t.Run("nested resource reference", func(t *testing.T) {
		sql := compileString(t, `{"op": "=", "source": "principal", "attr": "team", "val": "$resource.meta.team"}`)
		assert.Contains(t, sql, "resource.attributes->'meta'->>'team'")
	})
}

func TestCompileCompound(t *testing.T) {
	t.Run("and joins with AND", func(t *testing.T) {
		sql := compileString(t, `{"op": "and", "conditions": [
			{"op": "=", "attr": "a", "val": "1"},
			{"op": "=", "attr": "b", "val": "2"}
		]}`)
		assert.Equal(t, "((resource.attributes->>'a') = ('1') AND (resource.attributes->>'b') = ('2'))", sql)
	})

	t.Run("or joins with OR", func(t *testing.T) {
		sql := compileString(t, `{"op": "or", "conditions": [
			{"op": "=", "attr": "a", "val": "1"},
			{"op": "=", "attr": "b", "val": "2"}
		]}`)
		assert.Contains(t, sql, " OR ")
	})

	t.Run("empty compound compiles to TRUE", func(t *testing.T) {
		sql := compileString(t, `{"op": "and", "conditions": []}`)
		assert.Equal(t, "TRUE", sql)
	})

	t.Run("not wraps a single condition", func(t *testing.T) {
		sql := compileString(t, `{"op": "not", "conditions": [{"op": "=", "attr": "deleted", "val": true}]}`)
		assert.Equal(t, "NOT ((resource.attributes->>'deleted')::boolean = ('true')::boolean)", sql)
	})

	t.Run("nested compounds", func(t *testing.T) {
		sql := compileString(t, `{"op": "or", "conditions": [
			{"op": "and", "conditions": [
				{"op": "=", "attr": "a", "val": "1"},
				{"op": "=", "attr": "b", "val": "2"}
			]},
			{"op": "=", "attr": "c", "val": "3"}
		]}`)
		assert.Equal(t, "(((resource.attributes->>'a') = ('1') AND (resource.attributes->>'b') = ('2')) OR (resource.attributes->>'c') = ('3'))", sql)
	})
}

func TestCompileMembership(t *testing.T) {
	t.Run("in expands to ANY over jsonb elements", func(t *testing.T) {
		sql := compileString(t, `{"op": "in", "attr": "status", "val": ["new", "open"]}`)
		assert.Equal(t, `(resource.attributes->>'status') = ANY(ARRAY(SELECT jsonb_array_elements_text('["new","open"]'::jsonb)))`, sql)
	})

	t.Run("not_in negates the ANY", func(t *testing.T) {
		sql := compileString(t, `{"op": "not_in", "attr": "status", "val": ["deleted", "archived"]}`)
		assert.Equal(t, `NOT ((resource.attributes->>'status') = ANY(ARRAY(SELECT jsonb_array_elements_text('["deleted","archived"]'::jsonb))))`, sql)
	})

	t.Run("all uses jsonb containment", func(t *testing.T) {
		sql := compileString(t, `{"op": "all", "attr": "tags", "val": ["a", "b"]}`)
		assert.Equal(t, "resource.attributes->>'tags' @> ('a', 'b')", sql)
	})
}

func TestCompileSpatial(t *testing.T) {
	t.Run("geometry column with GeoJSON literal transforms from 4326", func(t *testing.T) {
		sql := compileString(t, `{"op": "st_within", "attr": "geometry", "val": {"type": "Polygon", "coordinates": []}}`)
		assert.Contains(t, sql, "st_within(resource.geometry, ")
		assert.Contains(t, sql, "ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(")
		assert.Contains(t, sql, "), 4326), 3857)")
	})

	t.Run("EWKT in 3857 is not transformed", func(t *testing.T) {
		sql := compileString(t, `{"op": "st_intersects", "attr": "geometry", "val": "SRID=3857;POINT(1 2)"}`)
		assert.Contains(t, sql, "ST_GeomFromEWKT('SRID=3857;POINT(1 2)')")
		assert.NotContains(t, sql, "ST_Transform")
	})

	t.Run("EWKT in another SRID is transformed", func(t *testing.T) {
		sql := compileString(t, `{"op": "st_intersects", "attr": "geometry", "val": "SRID=4326;POINT(1 2)"}`)
		assert.Contains(t, sql, "ST_Transform(ST_GeomFromEWKT('SRID=4326;POINT(1 2)'), 3857)")
	})

	t.Run("plain WKT assumes 3857", func(t *testing.T) {
		sql := compileString(t, `{"op": "st_contains", "attr": "geometry", "val": "POLYGON((0 0,1 0,1 1,0 0))"}`)
		assert.Contains(t, sql, "ST_SetSRID(ST_GeomFromText('POLYGON((0 0,1 0,1 1,0 0))'), 3857)")
	})

	t.Run("st_dwithin carries the distance argument", func(t *testing.T) {
		sql := compileString(t, `{"op": "st_dwithin", "attr": "geometry", "val": "POINT(0 0)", "args": 500}`)
		assert.Contains(t, sql, ", 500)")
	})

	t.Run("st_dwithin without args defaults to zero", func(t *testing.T) {
		sql := compileString(t, `{"op": "st_dwithin", "attr": "geometry", "val": "POINT(0 0)"}`)
		assert.Contains(t, sql, ", 0)")
	})

	t.Run("runtime reference parses through the helper", func(t *testing.T) {
		sql := compileString(t, `{"op": "st_dwithin", "attr": "geometry", "val": "$context.location", "args": 1000}`)
		assert.Contains(t, sql, "parse_geometry_to_3857((p_ctx->'context'->'location')::text)")
	})

	t.Run("non-geometry lhs parses through the helper", func(t *testing.T) {
		sql := compileString(t, `{"op": "st_within", "source": "context", "attr": "location", "val": "POINT(0 0)"}`)
		assert.Contains(t, sql, "parse_geometry_to_3857((p_ctx->'context'->'location')::text)")
	})

	t.Run("spatial attribute extraction keeps jsonb", func(t *testing.T) {
		sql := compileString(t, `{"op": "st_within", "attr": "footprint", "val": "POINT(0 0)"}`)
		assert.Contains(t, sql, "resource.attributes->'footprint'")
	})
}

func TestCompileErrors(t *testing.T) {
	t.Run("unknown operator", func(t *testing.T) {
		_, err := Compile(json.RawMessage(`{"op": "like", "attr": "name", "val": "x"}`), "p_ctx")
		assert.Error(t, err)
	})

	t.Run("missing op", func(t *testing.T) {
		_, err := Compile(json.RawMessage(`{"attr": "name", "val": "x"}`), "p_ctx")
		assert.Error(t, err)
	})

	t.Run("compound without conditions array", func(t *testing.T) {
		_, err := Compile(json.RawMessage(`{"op": "and"}`), "p_ctx")
		assert.Error(t, err)
	})

	t.Run("non-object document", func(t *testing.T) {
		_, err := Compile(json.RawMessage(`["not", "a", "condition"]`), "p_ctx")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(json.RawMessage(`{"op": "=", "attr": "a", "val": "1"}`)))
	assert.NoError(t, Validate(nil))
	assert.Error(t, Validate(json.RawMessage(`{"op": "bogus"}`)))
}
