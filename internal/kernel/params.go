package kernel

import (
	"encoding/json"
	"slices"
)

// Params is the decoded, dynamically-shaped params object of a request.
// Each handler validates the fields it needs through the helpers below;
// every validation failure maps to CodeParamValidation.
type Params map[string]any

func decodeParams(raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		return Params{}, nil
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errf(CodeInvalidRequest, "params is not an object: %v", err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

func (p Params) requireString(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", errf(CodeParamValidation, "missing required field %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errf(CodeParamValidation, "field %q must be a non-empty string", key)
	}
	return s, nil
}

func (p Params) optionalString(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errf(CodeParamValidation, "field %q must be a string", key)
	}
	return s, nil
}

// enumString requires the field to be one of the allowed values.
func (p Params) enumString(key string, allowed ...string) (string, error) {
	s, err := p.requireString(key)
	if err != nil {
		return "", err
	}
	if !slices.Contains(allowed, s) {
		return "", errf(CodeParamValidation, "field %q must be one of %v", key, allowed)
	}
	return s, nil
}

func (p Params) optionalBool(key string) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errf(CodeParamValidation, "field %q must be a boolean", key)
	}
	return b, nil
}

// optionalInt accepts any JSON number and truncates it.
func (p Params) optionalInt(key string) (int, bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false, errf(CodeParamValidation, "field %q must be a number", key)
	}
	return int(f), true, nil
}

func (p Params) requireStringSlice(key string) ([]string, error) {
	v, ok := p[key]
	if !ok {
		return nil, errf(CodeParamValidation, "missing required field %q", key)
	}
	return toStringSlice(key, v)
}

func (p Params) optionalStringSlice(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	return toStringSlice(key, v)
}

func toStringSlice(key string, v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, errf(CodeParamValidation, "field %q must be a list of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errf(CodeParamValidation, "field %q must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func (p Params) optionalObject(key string) (map[string]any, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errf(CodeParamValidation, "field %q must be an object", key)
	}
	return obj, nil
}
