// Package conditions compiles the JSON condition DSL into SQL fragments.
//
// The database carries the same compiler as a plpgsql function so that a
// trigger can keep acl.compiled_sql current; this package produces identical
// output and is used to validate conditions before they are persisted and to
// translate exported condition trees for downstream filters.
package conditions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultContextVar is the placeholder the decision routines replace with a
// bind parameter before execution.
const DefaultContextVar = "p_ctx"

var spatialOps = map[string]bool{
	"st_dwithin":    true,
	"st_contains":   true,
	"st_within":     true,
	"st_intersects": true,
	"st_covers":     true,
}

var comparisonOps = map[string]bool{
	"=": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
	"in": true, "not_in": true,
}

// KnownOperators lists every operator the DSL accepts
func KnownOperators() []string {
	return []string{
		"and", "or", "not",
		"=", "!=", "<", ">", "<=", ">=",
		"in", "not_in", "all",
		"st_dwithin", "st_contains", "st_within", "st_intersects", "st_covers",
	}
}

// KnownSources lists the attribute sources a leaf condition may name
func KnownSources() []string {
	return []string{"resource", "principal", "context"}
}

// Compile translates a condition document into a SQL fragment over the
// resource row and the ctxVar JSONB parameter. A nil document compiles to
// TRUE, matching an unconditional grant.
func Compile(raw json.RawMessage, ctxVar string) (string, error) {
	if ctxVar == "" {
		ctxVar = DefaultContextVar
	}
	node, err := decode(raw)
	if err != nil {
		return "", err
	}
	return compileNode(node, ctxVar)
}

// Validate checks a condition document without producing SQL
func Validate(raw json.RawMessage) error {
	_, err := Compile(raw, DefaultContextVar)
	return err
}

func decode(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node map[string]any
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("condition is not a JSON object: %w", err)
	}
	return node, nil
}

func compileNode(cond map[string]any, ctxVar string) (string, error) {
	if cond == nil {
		return "TRUE", nil
	}

	op := strings.ToLower(stringField(cond, "op"))
	if op == "" {
		return "", fmt.Errorf("condition is missing an op")
	}

	// Compound AND/OR/NOT
	if op == "and" || op == "or" || op == "not" {
		subs, ok := cond["conditions"].([]any)
		if !ok {
			return "", fmt.Errorf("%q condition requires a conditions array", op)
		}
		if len(subs) == 0 {
			return "TRUE", nil
		}
		subSQLs := make([]string, 0, len(subs))
		for _, sub := range subs {
			subMap, ok := sub.(map[string]any)
			if !ok {
				return "", fmt.Errorf("%q condition contains a non-object entry", op)
			}
			sql, err := compileNode(subMap, ctxVar)
			if err != nil {
				return "", err
			}
			subSQLs = append(subSQLs, sql)
		}
		if op == "not" {
			return "NOT (" + subSQLs[0] + ")", nil
		}
		return "(" + strings.Join(subSQLs, " "+strings.ToUpper(op)+" ") + ")", nil
	}

	if !comparisonOps[op] && !spatialOps[op] && op != "all" {
		return "", fmt.Errorf("unknown operator %q", op)
	}

	src := strings.ToLower(stringField(cond, "source"))
	if src == "" {
		src = "resource"
	}
	attr := stringField(cond, "attr")
	val := cond["val"]
	spatial := spatialOps[op]

	lhs := buildLHS(src, attr, ctxVar, spatial)
	rhs := buildRHS(val, ctxVar, spatial)
	valText := scalarText(val)

	// Type casting for standard operators
	if comparisonOps[op] {
		castSuffix := ""
		switch val.(type) {
		case json.Number:
			castSuffix = "::numeric"
		case bool:
			castSuffix = "::boolean"
		}
		lhs = "(" + lhs + ")" + castSuffix
		rhs = "(" + rhs + ")" + castSuffix
	}

	switch op {
	case "=", "!=", "<", ">", "<=", ">=":
		return lhs + " " + op + " " + rhs, nil
	case "in":
		return lhs + " = ANY(ARRAY(SELECT jsonb_array_elements_text(" + quoteLiteral(compactJSON(val)) + "::jsonb)))", nil
	case "not_in":
		return "NOT (" + lhs + " = ANY(ARRAY(SELECT jsonb_array_elements_text(" + quoteLiteral(compactJSON(val)) + "::jsonb))))", nil
	case "all":
		return lhs + " @> " + rhs, nil
	}

	// Spatial operators: normalize the RHS to SRID 3857
	var geomFunc string
	switch {
	case strings.HasPrefix(valText, "$"):
		geomFunc = "parse_geometry_to_3857((" + rhs + ")::text)"
	case strings.HasPrefix(valText, "{"):
		// GeoJSON literal: assume 4326, transform to 3857
		geomFunc = "ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(" + rhs + "), 4326), 3857)"
	case strings.HasPrefix(valText, "SRID=3857;"):
		geomFunc = "ST_GeomFromEWKT(" + rhs + ")"
	case strings.HasPrefix(valText, "SRID="):
		geomFunc = "ST_Transform(ST_GeomFromEWKT(" + rhs + "), 3857)"
	default:
		// Plain WKT: assume 3857
		geomFunc = "ST_SetSRID(ST_GeomFromText(" + rhs + "), 3857)"
	}

	if lhs != "resource.geometry" {
		lhs = "parse_geometry_to_3857((" + lhs + ")::text)"
	}

	if op == "st_dwithin" {
		argVal := scalarText(cond["args"])
		if argVal == "" {
			argVal = "0"
		}
		return "ST_DWithin(" + lhs + ", " + geomFunc + ", " + argVal + ")", nil
	}
	return op + "(" + lhs + ", " + geomFunc + ")", nil
}

// buildLHS resolves the attribute reference. Spatial operators keep JSONB
// extraction (->) so the value can be parsed as a geometry; everything else
// extracts text (->>).
func buildLHS(src, attr, ctxVar string, spatial bool) string {
	arrow := "->>"
	if spatial {
		arrow = "->"
	}
	switch src {
	case "principal":
		return fmt.Sprintf("%s->'principal'%s%s", ctxVar, arrow, quoteLiteral(attr))
	case "context":
		return fmt.Sprintf("%s->'context'%s%s", ctxVar, arrow, quoteLiteral(attr))
	default:
		if attr == "geometry" {
			return "resource.geometry"
		}
		return fmt.Sprintf("resource.attributes%s%s", arrow, quoteLiteral(attr))
	}
}

// buildRHS resolves the comparison value. $principal. / $context. /
// $resource. prefixes become runtime references with nested path support.
func buildRHS(val any, ctxVar string, spatial bool) string {
	valText := scalarText(val)

	if strings.HasPrefix(valText, "$") {
		switch {
		case strings.HasPrefix(valText, "$principal."):
			return buildPathRHS(ctxVar+"->'principal'", valText[len("$principal."):], spatial)
		case strings.HasPrefix(valText, "$context."):
			return buildPathRHS(ctxVar+"->'context'", valText[len("$context."):], spatial)
		case strings.HasPrefix(valText, "$resource."):
			path := strings.Split(valText[len("$resource."):], ".")
			if len(path) == 1 {
				return "resource.attributes->>" + quoteLiteral(path[0])
			}
			return buildPathRHS("resource.attributes", valText[len("$resource."):], false)
		default:
			return quoteLiteral(valText)
		}
	}

	switch v := val.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, elem := range v {
			parts = append(parts, quoteLiteral(scalarText(elem)))
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case bool:
		return quoteLiteral(valText)
	case json.Number:
		return v.String()
	case nil:
		return "NULL"
	default:
		return quoteLiteral(valText)
	}
}

func buildPathRHS(base, rawPath string, spatial bool) string {
	parts := strings.Split(rawPath, ".")
	rhs := base
	for i, part := range parts {
		last := i == len(parts)-1
		if last && !spatial {
			rhs += "->>" + quoteLiteral(part)
		} else {
			rhs += "->" + quoteLiteral(part)
		}
	}
	return rhs
}

// scalarText renders a decoded JSON value the way jsonb #>> '{}' does:
// strings lose their quotes, everything else keeps its JSON text.
func scalarText(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	default:
		return compactJSON(val)
	}
}

func compactJSON(val any) string {
	data, err := json.Marshal(val)
	if err != nil {
		return ""
	}
	return string(data)
}

// quoteLiteral escapes a string as a SQL literal
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
