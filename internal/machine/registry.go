package machine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/alphadep/internal/config"
)

var (
	ErrKindExists  = errors.New("machine: kind already registered")
	ErrFactoryNil  = errors.New("machine: factory is nil")
	ErrInvalidKind = errors.New("machine: invalid kind")
	ErrUnknownKind = errors.New("machine: unknown kind")
)

// Factory builds a machine variant from a validated project.
type Factory func(project config.Project, opts Options) (Machine, error)

// Registry stores machine factories by kind.
type Registry struct {
	items map[config.MachineKind]Factory
}

// NewRegistry creates an empty machine registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[config.MachineKind]Factory)}
}

// DefaultRegistry registers every built-in variant.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register(config.MachineRemoteSSH, NewSSH); err != nil {
		panic(err)
	}
	return r
}

// Register adds a factory for kind.
func (r *Registry) Register(kind config.MachineKind, factory Factory) error {
	if factory == nil {
		return ErrFactoryNil
	}
	if !isValidKind(string(kind)) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if _, ok := r.items[kind]; ok {
		return ErrKindExists
	}
	r.items[kind] = factory
	return nil
}

// New builds the machine named by project.Machine.Kind.
func (r *Registry) New(project config.Project, opts Options) (Machine, error) {
	factory, ok := r.items[project.Machine.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, project.Machine.Kind)
	}
	return factory(project, opts)
}

// Kinds returns registered kinds in sorted order.
func (r *Registry) Kinds() []config.MachineKind {
	list := make([]config.MachineKind, 0, len(r.items))
	for kind := range r.items {
		list = append(list, kind)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i] < list[j]
	})
	return list
}

// isValidKind accepts lowercase segments separated by single '/', '-' or '.'.
func isValidKind(kind string) bool {
	if strings.TrimSpace(kind) == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '/' || c == '-' || c == '.'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(kind)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
