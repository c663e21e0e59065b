package weave

import (
	"fmt"
	"reflect"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
)

// CoerceScore converts a harness score value into the encoding the tracer accepts:
//
//   - string: {"score": value}
//   - bool: 1.0 or 0.0
//   - any integer or float: float64
//   - slice or array of length one: {"score": element}
//   - slice or array of any other length: ErrInvalidScoreShape
//   - map with string keys: shallow copy as map[string]any
//   - anything else, including nil: unchanged
//
// Booleans are matched before numbers.
func CoerceScore(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return map[string]any{"score": v}, nil
	case bool:
		if v {
			return 1.0, nil
		}
		return 0.0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = item
		}
		return out, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if n := rv.Len(); n != 1 {
			return nil, inspectwandb.NewValidationError("weave.CoerceScore",
				fmt.Errorf("%w: got %d elements", inspectwandb.ErrInvalidScoreShape, n))
		}
		return map[string]any{"score": rv.Index(0).Interface()}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return value, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	}

	return value, nil
}

// scoreFloat returns the numeric value of a coerced score, if it has one.
func scoreFloat(coerced any) (float64, bool) {
	switch v := coerced.(type) {
	case float64:
		return v, true
	case map[string]any:
		if f, ok := v["score"].(float64); ok {
			return f, true
		}
	}
	return 0, false
}
