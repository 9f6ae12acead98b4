// Package geometry normalizes geometry input for storage and filtering.
//
// Input arrives as GeoJSON (Geometry or Feature), WKT, EWKT, or a bare
// [lng, lat] pair. Normalize renders any of these as a text form that the
// database helper parse_geometry_to_3857 accepts; reprojection to SRID 3857
// happens in the database.
package geometry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TargetSRID is the SRID every stored geometry is normalized to
const TargetSRID = 3857

// DefaultSRID is assumed for input that does not carry one
const DefaultSRID = 4326

var geoJSONTypes = map[string]bool{
	"Point":              true,
	"LineString":         true,
	"Polygon":            true,
	"MultiPoint":         true,
	"MultiLineString":    true,
	"MultiPolygon":       true,
	"GeometryCollection": true,
}

var wktKeywords = []string{
	"POINT", "LINESTRING", "POLYGON",
	"MULTIPOINT", "MULTILINESTRING", "MULTIPOLYGON",
	"GEOMETRYCOLLECTION",
}

// Normalize detects the input format and returns a text representation for
// the database. srid overrides the assumed SRID for input that does not name
// one (zero means use DefaultSRID). Nil input returns an empty string.
func Normalize(value any, srid int) (string, error) {
	if value == nil {
		return "", nil
	}

	switch v := value.(type) {
	case map[string]any:
		return normalizeGeoJSON(v, srid)
	case []any:
		return normalizePoint(v, srid)
	case string:
		return normalizeString(v, srid)
	case json.RawMessage:
		return normalizeRaw(v, srid)
	default:
		return "", fmt.Errorf("cannot detect geometry format from %T", value)
	}
}

func normalizeRaw(raw json.RawMessage, srid int) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("invalid geometry value: %w", err)
	}
	return Normalize(value, srid)
}

func normalizeGeoJSON(value map[string]any, srid int) (string, error) {
	geom := extractGeometry(value)
	if geom == nil {
		return "", fmt.Errorf("unrecognized GeoJSON document")
	}

	inputSRID := extractSRID(value)
	if inputSRID == 0 {
		if srid != 0 {
			inputSRID = srid
		} else {
			inputSRID = DefaultSRID
		}
	}
	// The database transforms GeoJSON from 4326; other CRS values must be
	// supplied as EWKT.
	if inputSRID != DefaultSRID {
		return "", fmt.Errorf("GeoJSON input must use SRID %d, got %d (use EWKT for other reference systems)", DefaultSRID, inputSRID)
	}

	data, err := json.Marshal(geom)
	if err != nil {
		return "", fmt.Errorf("failed to serialize geometry: %w", err)
	}
	return string(data), nil
}

func normalizePoint(coords []any, srid int) (string, error) {
	if len(coords) < 2 {
		return "", fmt.Errorf("coordinate pair requires at least [lng, lat]")
	}
	lng, err := toFloat(coords[0])
	if err != nil {
		return "", fmt.Errorf("invalid lng value: %v", coords[0])
	}
	lat, err := toFloat(coords[1])
	if err != nil {
		return "", fmt.Errorf("invalid lat value: %v", coords[1])
	}
	if srid == 0 {
		srid = DefaultSRID
	}
	wkt := fmt.Sprintf("POINT(%s %s)",
		strconv.FormatFloat(lng, 'f', -1, 64),
		strconv.FormatFloat(lat, 'f', -1, 64))
	return fmt.Sprintf("SRID=%d;%s", srid, wkt), nil
}

func normalizeString(value string, srid int) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}

	// EWKT: "SRID=xxxx;WKT"
	if strings.HasPrefix(strings.ToUpper(value), "SRID=") {
		parsedSRID, wktPart, err := ParseEWKT(value)
		if err != nil {
			return "", err
		}
		if !looksLikeWKT(wktPart) {
			return "", fmt.Errorf("invalid WKT in EWKT string: %q", wktPart)
		}
		return fmt.Sprintf("SRID=%d;%s", parsedSRID, wktPart), nil
	}

	// Bare WKT carries no SRID; tag it so the database knows what to
	// transform from.
	if looksLikeWKT(value) {
		if srid == 0 {
			srid = DefaultSRID
		}
		return fmt.Sprintf("SRID=%d;%s", srid, value), nil
	}

	// GeoJSON document as a string
	if strings.HasPrefix(value, "{") {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			return "", fmt.Errorf("string is not valid WKT, EWKT, or GeoJSON: %w", err)
		}
		return normalizeGeoJSON(parsed, srid)
	}

	return "", fmt.Errorf("string is not valid WKT, EWKT, or GeoJSON: %q", value)
}

// ParseEWKT splits an EWKT string into its SRID and WKT components
func ParseEWKT(ewkt string) (int, string, error) {
	parts := strings.SplitN(ewkt, ";", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("invalid EWKT format: %q", ewkt)
	}
	sridPart := strings.ToUpper(strings.TrimSpace(parts[0]))
	if !strings.HasPrefix(sridPart, "SRID=") {
		return 0, "", fmt.Errorf("invalid SRID prefix: %q", parts[0])
	}
	srid, err := strconv.Atoi(sridPart[len("SRID="):])
	if err != nil {
		return 0, "", fmt.Errorf("invalid SRID value: %q", sridPart[len("SRID="):])
	}
	return srid, strings.TrimSpace(parts[1]), nil
}

// extractGeometry returns the geometry object from a GeoJSON document,
// unwrapping Feature objects.
func extractGeometry(value map[string]any) map[string]any {
	if value["type"] == "Feature" {
		if geom, ok := value["geometry"].(map[string]any); ok && isGeometry(geom) {
			return geom
		}
		return nil
	}
	if isGeometry(value) {
		return value
	}
	return nil
}

func isGeometry(value map[string]any) bool {
	typ, ok := value["type"].(string)
	if !ok || !geoJSONTypes[typ] {
		return false
	}
	if typ == "GeometryCollection" {
		return true
	}
	_, hasCoords := value["coordinates"]
	return hasCoords
}

// extractSRID reads the legacy GeoJSON crs member if present
func extractSRID(value map[string]any) int {
	crs, ok := value["crs"].(map[string]any)
	if !ok || crs["type"] != "name" {
		return 0
	}
	props, ok := crs["properties"].(map[string]any)
	if !ok {
		return 0
	}
	name, _ := props["name"].(string)
	upper := strings.ToUpper(name)
	switch {
	case strings.HasPrefix(upper, "EPSG:"):
		if srid, err := strconv.Atoi(name[len("EPSG:"):]); err == nil {
			return srid
		}
	case strings.HasPrefix(upper, "URN:OGC:DEF:CRS:EPSG::"):
		if srid, err := strconv.Atoi(name[len("urn:ogc:def:crs:EPSG::"):]); err == nil {
			return srid
		}
	}
	return 0
}

func looksLikeWKT(value string) bool {
	upper := strings.ToUpper(strings.TrimSpace(value))
	for _, kw := range wktKeywords {
		if strings.HasPrefix(upper, kw) {
			rest := strings.TrimSpace(upper[len(kw):])
			if strings.HasPrefix(rest, "(") || strings.HasPrefix(rest, "Z") || strings.HasPrefix(rest, "M") || rest == "EMPTY" {
				return true
			}
		}
	}
	return false
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", value)
	}
}
