package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// TemplateContext — данные для рендеринга конфигурации узла перед отправкой воркеру.
//
// Доступно в шаблонах:
//   - {{ .Input.email }}
//   - {{ .Run.ID }}, {{ .Run.CorrelationID }}
//   - {{ .Node.ID }}, {{ .Node.Index }}
type TemplateContext struct {
	Input map[string]any `json:"input"`
	Run   RunRef         `json:"run"`
	Node  NodeRef        `json:"node"`
}

// RunRef — сведения о run для шаблонов.
type RunRef struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Trigger       map[string]any `json:"trigger,omitempty"`
}

// NodeRef — сведения об узле для шаблонов.
type NodeRef struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Index int    `json:"index"`
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
}

// Render рендерит строковый шаблон.
// Строка без "{{" возвращается без изменений.
func Render(tmpl string, ctx *TemplateContext) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рендерит значение рекурсивно: строки, map и slice.
// Остальные типы возвращаются как есть.
func RenderValue(value any, ctx *TemplateContext) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		return value, nil
	}
}

// RenderConfig рендерит конфигурацию узла.
func RenderConfig(config map[string]any, ctx *TemplateContext) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}

	rendered, err := RenderValue(config, ctx)
	if err != nil {
		return nil, err
	}

	return rendered.(map[string]any), nil
}
