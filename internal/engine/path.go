package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Lookup возвращает значение по пути через точку.
//
// Пустой путь и "." возвращают сам value. Сегмент-число индексирует массив:
// "data.rows", "items.0.tags".
func Lookup(value any, path string) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "." {
		return value, nil
	}

	current := value
	for _, segment := range strings.Split(strings.TrimPrefix(path, "."), ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
			}
			current = next
		case []any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
			}
			current = v[i]
		default:
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
	}

	return current, nil
}

// LookupArray возвращает массив по пути.
func LookupArray(value any, path string) ([]any, error) {
	v, err := Lookup(value, path)
	if err != nil {
		return nil, err
	}

	switch arr := v.(type) {
	case []any:
		return arr, nil
	case []map[string]any:
		out := make([]any, len(arr))
		for i := range arr {
			out[i] = arr[i]
		}
		return out, nil
	case []string:
		out := make([]any, len(arr))
		for i := range arr {
			out[i] = arr[i]
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("value at %q is null, expected array", path)
	default:
		return nil, fmt.Errorf("value at %q is %T, expected array", path, v)
	}
}
