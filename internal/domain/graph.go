package domain

import (
	"time"

	"github.com/google/uuid"
)

// Graph — сохранённый граф workflow.
//
// Graph — это "шаблон" автоматизации, который редактируется во внешнем
// authoring-слое. Один граф может иметь множество версий (GraphVersion),
// каждая версия компилируется один раз.
type Graph struct {
	// ID — уникальный идентификатор графа.
	ID uuid.UUID `json:"id"`

	// Name — уникальное имя графа (например, "lead-enrichment").
	Name string `json:"name"`

	// CreatedAt — время создания графа.
	CreatedAt time.Time `json:"created_at"`
}

// GraphVersion — версия графа: исходное определение и результат компиляции.
//
// Execution неизменяем и 1:1 соответствует версии. Все runs,
// созданные на этой версии, видят одну и ту же adjacency.
type GraphVersion struct {
	// GraphID — ссылка на родительский граф.
	GraphID uuid.UUID `json:"graph_id"`

	// Version — номер версии (1, 2, 3, ...).
	Version int `json:"version"`

	// Definition — граф в том виде, в каком его сохранил authoring-слой.
	Definition GraphDefinition `json:"definition"`

	// Execution — скомпилированный граф в сериализованном виде (JSON).
	// Тип живёт в пакете engine, здесь хранится как raw JSON, чтобы domain
	// не зависел от engine.
	Execution []byte `json:"execution"`

	// CreatedAt — время создания версии.
	CreatedAt time.Time `json:"created_at"`
}

// GraphDefinition — граф на этапе авторинга: узлы, рёбра и данные раскладки.
//
// Это вход компилятора. Layout и Position — чисто презентационные поля,
// компилятор их отбрасывает.
type GraphDefinition struct {
	// Name — имя графа (дублирует Graph.Name для удобства).
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Nodes — узлы графа.
	Nodes []NodeDef `json:"nodes" yaml:"nodes"`

	// Edges — рёбра графа.
	Edges []EdgeDef `json:"edges" yaml:"edges"`

	// Layout — произвольные данные раскладки канваса (zoom, viewport и т.д.).
	Layout map[string]any `json:"layout,omitempty" yaml:"layout,omitempty"`
}

// NodeDef — определение узла.
type NodeDef struct {
	// ID — уникальный идентификатор узла в рамках графа.
	ID string `json:"id" yaml:"id"`

	// Type — тип узла; должен существовать в реестре типов.
	Type string `json:"type" yaml:"type"`

	// Label — подпись на канвасе (презентационное поле).
	Label string `json:"label,omitempty" yaml:"label,omitempty"`

	// Config — конфигурация узла, передаётся воркеру как есть.
	// Для splitter: {"path": "items"}.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Defaults — статические значения входных полей узла.
	// Удовлетворяют проверке обязательных полей и заполняют отсутствующие поля входа.
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Position — координаты на канвасе (презентационное поле).
	Position *Position `json:"position,omitempty" yaml:"position,omitempty"`
}

// Position — координаты узла на канвасе.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// EdgeDef — ребро графа.
type EdgeDef struct {
	// ID — идентификатор ребра (опционально, используется в ошибках компиляции).
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Source — ID узла-источника.
	Source string `json:"source" yaml:"source"`

	// Target — ID узла-приёмника.
	Target string `json:"target" yaml:"target"`

	// Mapping — маппинг полей: поле выхода источника → поле входа приёмника.
	// Если задан, в приёмник копируются только эти поля.
	Mapping map[string]string `json:"mapping,omitempty" yaml:"mapping,omitempty"`
}

// Label возвращает человекочитаемое имя ребра для сообщений об ошибках.
func (e EdgeDef) Label() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Source + "->" + e.Target
}
