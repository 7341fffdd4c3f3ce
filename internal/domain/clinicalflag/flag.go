// Package clinicalflag classifies a result set as normal, attention or
// critical from its numeric reference ranges and free-text markers.
package clinicalflag

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/platform/i18n"
)

// Flag is the overall classification of a result set.
type Flag string

const (
	FlagNormal    Flag = "normal"
	FlagAttention Flag = "attention"
	FlagCritical  Flag = "critical"
)

// Range is a closed numeric interval parsed from a reference range string.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// rangePattern matches "<number> <dash> <number>" anywhere in the string;
// the dash may be a hyphen, en dash or em dash.
var rangePattern = regexp.MustCompile(`(-?\d+(?:[.,]\d+)?)\s*[-–—]\s*(-?\d+(?:[.,]\d+)?)`)

// ParseRange extracts a range from free text such as "12.0 – 17.5 g/dL".
// It reports false when no range is present or when min exceeds max.
func ParseRange(s string) (Range, bool) {
	m := rangePattern.FindStringSubmatch(s)
	if m == nil {
		return Range{}, false
	}
	lo, err1 := parseNumber(m[1])
	hi, err2 := parseNumber(m[2])
	if err1 != nil || err2 != nil || lo > hi {
		return Range{}, false
	}
	return Range{Min: lo, Max: hi}, true
}

// Violates reports whether v lies strictly outside [Min, Max].
func (r Range) Violates(v float64) bool {
	return v < r.Min || v > r.Max
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(strings.TrimSpace(s), ",", ".", 1), 64)
}

// Numeric converts a result value to a number. Numeric strings count;
// anything else reports false.
func Numeric(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		f, err = t.Float64()
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
		f, err = parseNumber(t)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Violation is one numeric field outside its reference range.
type Violation struct {
	Field     string  `json:"field"`
	Label     string  `json:"label,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	Value     float64 `json:"value"`
	Range     Range   `json:"range"`
	Direction string  `json:"direction"`
}

// Marker is a string result value that carries a clinical marker.
type Marker struct {
	Field string `json:"field"`
	Value string `json:"value"`
	Level Flag   `json:"level"`
}

// Result is the evaluation outcome.
type Result struct {
	Flag       Flag        `json:"flag"`
	Violations []Violation `json:"violations"`
	Markers    []Marker    `json:"markers"`
}

// Evaluate classifies results against schema. It never fails: fields with
// missing or unparsable ranges and non-numeric values are skipped.
func Evaluate(results map[string]any, schema lab.FieldSchema) Result {
	res := Result{Flag: FlagNormal, Violations: []Violation{}, Markers: []Marker{}}
	if len(results) == 0 {
		return res
	}

	for _, f := range schema.Fields() {
		if f.Type != lab.FieldNumeric || f.ReferenceRange == "" {
			continue
		}
		rng, ok := ParseRange(f.ReferenceRange)
		if !ok {
			continue
		}
		v, ok := Numeric(results[f.Key])
		if !ok || !rng.Violates(v) {
			continue
		}
		dir := "high"
		if v < rng.Min {
			dir = "low"
		}
		res.Violations = append(res.Violations, Violation{
			Field: f.Key, Label: f.Label, Unit: f.Unit, Value: v, Range: rng, Direction: dir,
		})
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	critical := false
	attention := len(res.Violations) > 0
	for _, k := range keys {
		s, ok := results[k].(string)
		if !ok {
			continue
		}
		level := markerLevel(k, s)
		if level == FlagNormal {
			continue
		}
		res.Markers = append(res.Markers, Marker{Field: k, Value: s, Level: level})
		if level == FlagCritical {
			critical = true
			break
		}
		attention = true
	}

	switch {
	case critical:
		res.Flag = FlagCritical
	case attention:
		res.Flag = FlagAttention
	}
	return res
}

// Classify returns only the flag.
func Classify(results map[string]any, schema lab.FieldSchema) Flag {
	return Evaluate(results, schema).Flag
}

func markerLevel(key, value string) Flag {
	v := i18n.Fold(value)
	if v == "" {
		return FlagNormal
	}
	if strings.Contains(v, "critical") || strings.Contains(v, "critico") || v == "high" || v == "low" {
		return FlagCritical
	}
	if strings.Contains(v, "attention") || strings.Contains(v, "atencion") {
		return FlagAttention
	}
	if strings.Contains(strings.ToLower(key), "flag") && v != "normal" {
		return FlagAttention
	}
	return FlagNormal
}
