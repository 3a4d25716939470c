package engine

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// NodeKind — поведение узла при запуске. Закрытый набор.
type NodeKind string

const (
	// KindWorker — задача отправляется внешнему сервису, результат приходит через callback.
	KindWorker NodeKind = "worker"

	// KindSplitter — разбивает массив на параллельные экземпляры downstream узлов.
	KindSplitter NodeKind = "splitter"

	// KindCollector — собирает результаты параллельных экземпляров в массив.
	KindCollector NodeKind = "collector"

	// KindUserGate — ждёт действия человека.
	KindUserGate NodeKind = "user_gate"

	// KindPassthrough — завершается сразу, выход равен входу.
	KindPassthrough NodeKind = "passthrough"
)

// IsValid проверяет, что вид узла известен.
func (k NodeKind) IsValid() bool {
	switch k {
	case KindWorker, KindSplitter, KindCollector, KindUserGate, KindPassthrough:
		return true
	}
	return false
}

// FieldSpec — описание входного поля типа узла.
type FieldSpec struct {
	Name     string `json:"name" yaml:"name"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// NodeType — тип узла в реестре.
type NodeType struct {
	// Name — имя типа, на которое ссылается NodeDef.Type.
	Name string `json:"name" yaml:"name"`

	// Kind — вид узла.
	Kind NodeKind `json:"kind" yaml:"kind"`

	// Service — сервис-исполнитель (routing key dispatch) для worker и user_gate.
	Service string `json:"service,omitempty" yaml:"service,omitempty"`

	// Inputs — входные поля.
	Inputs []FieldSpec `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// TypeRegistry — источник типов узлов для компилятора.
type TypeRegistry interface {
	Lookup(name string) (NodeType, bool)
}

// Registry — реестр типов узлов в памяти.
type Registry struct {
	types map[string]NodeType
}

// NewRegistry создаёт реестр из набора типов.
func NewRegistry(types ...NodeType) (*Registry, error) {
	r := &Registry{types: make(map[string]NodeType, len(types))}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry возвращает реестр со встроенными типами:
// splitter, collector, user_gate, passthrough.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(builtinTypes()...)
	return r
}

func builtinTypes() []NodeType {
	return []NodeType{
		{Name: "splitter", Kind: KindSplitter},
		{Name: "collector", Kind: KindCollector},
		{Name: "user_gate", Kind: KindUserGate},
		{Name: "passthrough", Kind: KindPassthrough},
	}
}

// Register добавляет тип. Повторная регистрация заменяет тип.
func (r *Registry) Register(t NodeType) error {
	if t.Name == "" {
		return fmt.Errorf("register node type: empty name")
	}
	if !t.Kind.IsValid() {
		return fmt.Errorf("register node type %s: unknown kind %q", t.Name, t.Kind)
	}
	if t.Kind == KindWorker && t.Service == "" {
		t.Service = t.Name
	}
	r.types[t.Name] = t
	return nil
}

// Lookup возвращает тип по имени.
func (r *Registry) Lookup(name string) (NodeType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Names возвращает отсортированные имена типов.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registryFile — формат YAML файла реестра.
type registryFile struct {
	Types []NodeType `yaml:"types"`
}

// LoadRegistry читает типы из YAML и добавляет их к встроенным.
//
//	types:
//	  - name: enrich
//	    kind: worker
//	    service: enrichment
//	    inputs:
//	      - name: email
//	        required: true
func LoadRegistry(r io.Reader) (*Registry, error) {
	var file registryFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode node types: %w", err)
	}

	reg := DefaultRegistry()
	for _, t := range file.Types {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// LoadRegistryFile читает реестр из файла.
func LoadRegistryFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open node types file: %w", err)
	}
	defer f.Close()

	return LoadRegistry(f)
}
