package preferences

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	errNotInteger    = errors.New("must be an integer")
	errToneRange     = fmt.Errorf("must be between %d and %d", MinToneLevel, MaxToneLevel)
	errDetailLevel   = errors.New("must be one of brief, moderate, detailed, comprehensive")
	errNotBoolean    = errors.New("must be a boolean")
	errNotDetailText = errors.New("must be a string")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every offending key of a rejected update.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "invalid preferences"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, field.Field+" "+field.Message)
	}
	return "invalid preferences: " + strings.Join(parts, "; ")
}

// FieldNames returns the offending keys in sorted order.
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		names = append(names, field.Field)
	}
	sort.Strings(names)
	return names
}

// ValidatePatch checks every key of a partial update and returns a copy with
// known keys converted to their canonical Go types. If any key is invalid
// nothing is returned and the error names all offending keys.
func ValidatePatch(patch Document) (Document, error) {
	out := make(Document, len(patch))
	var invalid []FieldError
	for key, value := range patch {
		if strings.TrimSpace(key) == "" {
			invalid = append(invalid, FieldError{Field: key, Message: "key must not be empty"})
			continue
		}
		if !IsKnownKey(key) {
			out[key] = value
			continue
		}
		canonical, err := normalizeField(key, value)
		if err != nil {
			invalid = append(invalid, FieldError{Field: key, Message: err.Error()})
			continue
		}
		out[key] = canonical
	}
	if len(invalid) > 0 {
		sort.Slice(invalid, func(i, j int) bool { return invalid[i].Field < invalid[j].Field })
		return nil, &ValidationError{Fields: invalid}
	}
	return out, nil
}

// ValidateField is ValidatePatch for a single key.
func ValidateField(key string, value any) (any, error) {
	patch, err := ValidatePatch(Document{key: value})
	if err != nil {
		return nil, err
	}
	return patch[key], nil
}

func normalizeField(key string, value any) (any, error) {
	switch key {
	case KeyToneLevel:
		level, err := toInteger(value)
		if err != nil {
			return nil, err
		}
		if level < MinToneLevel || level > MaxToneLevel {
			return nil, errToneRange
		}
		return int(level), nil
	case KeyDetailLevel:
		text, ok := value.(string)
		if !ok {
			return nil, errNotDetailText
		}
		if _, ok := detailLevels[DetailLevel(text)]; !ok {
			return nil, errDetailLevel
		}
		return text, nil
	case KeyEmailNotifications, KeyWeeklyReports, KeyUseTimePatterns:
		flag, ok := value.(bool)
		if !ok {
			return nil, errNotBoolean
		}
		return flag, nil
	default:
		return value, nil
	}
}

// toInteger accepts any JSON number with no fractional part. Strings are
// rejected even when they look numeric.
func toInteger(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float32:
		return floatToInteger(float64(v))
	case float64:
		return floatToInteger(v)
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, nil
		}
		parsed, err := v.Float64()
		if err != nil {
			return 0, errNotInteger
		}
		return floatToInteger(parsed)
	default:
		return 0, errNotInteger
	}
}

func floatToInteger(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, errNotInteger
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, errToneRange
	}
	return int64(v), nil
}
