package units

import (
	"fmt"
	"strconv"
)

// Module names
const (
	NameDecisionCore = "decision_core"
	NameAccelerator  = "accelerator"
	NameCache        = "cache"
	NameVault        = "vault"
	NameIOBus        = "io_bus"
	NamePower        = "power"
)

// Payloads arrive either from Go callers (typed slices) or decoded
// JSON/YAML (generic slices and float64 numbers); these helpers accept both.

func stringField(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("payload field %q missing", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("payload field %q must be a non-empty string", key)
	}
	return s, nil
}

func floatField(payload map[string]any, key string) (float64, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("payload field %q missing", key)
	}
	return toFloat(v)
}

func floatsField(payload map[string]any, key string) ([]float64, error) {
	v, ok := payload[key]
	if !ok {
		return nil, fmt.Errorf("payload field %q missing", key)
	}
	switch vec := v.(type) {
	case []float64:
		out := make([]float64, len(vec))
		copy(out, vec)
		return out, nil
	case []int:
		out := make([]float64, len(vec))
		for i, x := range vec {
			out[i] = float64(x)
		}
		return out, nil
	case []any:
		out := make([]float64, len(vec))
		for i, x := range vec {
			f, err := toFloat(x)
			if err != nil {
				return nil, fmt.Errorf("payload field %q[%d]: %w", key, i, err)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("payload field %q must be a number list, got %T", key, v)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}
