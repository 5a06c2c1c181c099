package app

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

/********** alias registries (single source of truth) **********/

var propertyAliases = map[string][]string{
	"id":          {"_id", "id", "propertyId", "property_id"},
	"title":       {"title", "name"},
	"description": {"description", "summary"},
	"hint":        {"isUnlocked", "unlocked", "is_unlocked"},
	"images":      {"images", "photos"},
	"amenities":   {"amenities", "features"},
}

var flatAliases = map[string][]string{
	"period":        {"pricePeriod", "period", "paymentPeriod"},
	"propertyType":  {"propertyType", "type"},
	"distance":      {"distanceFromCampus", "distance"},
	"distanceUnit":  {"distanceUnit"},
	"exactAddress":  {"exactLocation", "exactAddress"},
	"gps":           {"gpsCoordinates", "coordinates"},
	"caretakerName": {"caretakerName"},
	"caretaker":     {"caretakerPhone", "caretakerContact"},
}

var nestedAliases = map[string][]string{
	"amount":       {"amount", "value"},
	"period":       {"period", "frequency"},
	"propertyType": {"propertyType", "type"},
	"exactAddress": {"exactAddress", "address"},
	"gps":          {"gpsCoordinates", "coordinates", "gps"},
	"lat":          {"lat", "latitude"},
	"lng":          {"lng", "lon", "longitude"},
}

/********** tiny helpers **********/

// lookupAny: safe nested lookup with dot paths on maps.
func lookupAny(m map[string]any, path string) any {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := obj[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

// subObject returns m[key] when it is a JSON object. An empty object still
// counts as present.
func subObject(m map[string]any, key string) (map[string]any, bool) {
	obj, ok := m[key].(map[string]any)
	return obj, ok && obj != nil
}

// firstPresent returns the first non-nil value among the alias paths.
func firstPresent(m map[string]any, paths ...string) any {
	for _, p := range paths {
		if v := lookupAny(m, p); v != nil {
			return v
		}
	}
	return nil
}

// stringOf: string, or a number rendered without trailing zeros.
func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	}
	return ""
}

// firstString: first non-empty string (or number) among paths.
func firstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		if s := stringOf(lookupAny(m, p)); s != "" {
			return s
		}
	}
	return ""
}

// floatOf: number from float64/int/json.Number/string like "8,0".
func floatOf(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := numericString(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// numericString drops currency marks and reads "1,200" as a thousands
// separator but "8,5" as a decimal comma.
func numericString(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '-' && r != '.' && r != ','
	})
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, ','); i >= 0 && strings.Count(s, ",") == 1 && !strings.Contains(s, ".") && len(s)-i-1 != 3 {
		return s[:i] + "." + s[i+1:]
	}
	return strings.ReplaceAll(s, ",", "")
}

func firstFloat(m map[string]any, paths ...string) float64 {
	for _, p := range paths {
		if f, ok := floatOf(lookupAny(m, p)); ok {
			return f
		}
	}
	return 0
}

func firstInt(m map[string]any, paths ...string) int {
	f := firstFloat(m, paths...)
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0
	}
	return int(f)
}

func firstBool(m map[string]any, paths ...string) *bool {
	for _, p := range paths {
		if b, ok := lookupAny(m, p).(bool); ok {
			return &b
		}
	}
	return nil
}

// truthy follows JSON-ish truthiness: false, 0, "" and null are falsy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		return s != "" && s != "false" && s != "0"
	default:
		f, ok := floatOf(t)
		if ok {
			return f != 0
		}
		return true
	}
}
