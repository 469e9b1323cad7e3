// Package registry holds the catalog of operations the gateway exposes
// through its two meta-tools.
//
// A Registry is built once at startup and never changes afterwards, so it is
// safe for concurrent use without locking.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/permissions"
)

var ErrDuplicateOperation = errors.New("registry: duplicate operation name")

// Category is a category name with the number of operations in it.
type Category struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Registry struct {
	byName     map[string]Operation
	byCategory map[string][]Operation
	categories []Category
}

// New builds a registry. Operation names must be unique across categories.
func New(ops ...Operation) (*Registry, error) {
	r := &Registry{
		byName:     make(map[string]Operation, len(ops)),
		byCategory: make(map[string][]Operation),
	}
	for _, op := range ops {
		d := op.Descriptor
		if d.Name == "" || d.Category == "" {
			return nil, fmt.Errorf("registry: operation %q needs a name and a category", d.Name)
		}
		if !d.RequiredLevel.Valid() {
			return nil, fmt.Errorf("registry: operation %q: %w", d.Name, permissions.ErrInvalidLevel)
		}
		if op.invoke == nil {
			return nil, fmt.Errorf("registry: operation %q has no handler", d.Name)
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOperation, d.Name)
		}
		r.byName[d.Name] = op
		r.byCategory[d.Category] = append(r.byCategory[d.Category], op)
	}
	for name, list := range r.byCategory {
		sort.Slice(list, func(i, j int) bool { return list[i].Descriptor.Name < list[j].Descriptor.Name })
		r.categories = append(r.categories, Category{Name: name, Count: len(list)})
	}
	sort.Slice(r.categories, func(i, j int) bool { return r.categories[i].Name < r.categories[j].Name })
	return r, nil
}

// Categories lists every category, sorted by name.
func (r *Registry) Categories() []Category {
	out := make([]Category, len(r.categories))
	copy(out, r.categories)
	return out
}

// CategoryNames lists the category names, sorted.
func (r *Registry) CategoryNames() []string {
	out := make([]string, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, c.Name)
	}
	return out
}

// List returns the descriptors in category whose required level does not
// exceed maxLevel.
func (r *Registry) List(category string, maxLevel permissions.Level) ([]Descriptor, error) {
	return r.ListFunc(category, func(d Descriptor) bool { return d.RequiredLevel <= maxLevel })
}

// ListFunc returns the descriptors in category for which allow reports true.
// An unknown category is a not-found error.
func (r *Registry) ListFunc(category string, allow func(Descriptor) bool) ([]Descriptor, error) {
	ops, ok := r.byCategory[category]
	if !ok {
		return nil, apierr.NotFound("category", category)
	}
	out := make([]Descriptor, 0, len(ops))
	for _, op := range ops {
		if allow == nil || allow(op.Descriptor) {
			out = append(out, op.Descriptor)
		}
	}
	return out, nil
}

// Lookup finds an operation by name.
func (r *Registry) Lookup(name string) (Operation, bool) {
	op, ok := r.byName[name]
	return op, ok
}

// Len reports the number of registered operations.
func (r *Registry) Len() int { return len(r.byName) }
