package filter

import (
	"reflect"

	"github.com/chimera-cache/chimera/pkg/cherr"
	"github.com/ettle/strcase"
)

// OperatorFunc is a binary predicate over a field's runtime value and the
// descriptor's testValue. The operator map is open-set: embedders may
// register names beyond the defaults returned by DefaultOperators.
type OperatorFunc func(value, testValue any) bool

// Operators is the embedder-declared mapping from operator name to
// predicate.
type Operators map[string]OperatorFunc

// Getter resolves a field's runtime value for one entity. Embedders may
// supply one explicitly per field key; fields with no explicit getter fall
// back to reflection (struct field or map key, matched case-insensitively
// via strcase so "firstName"/"FirstName"/"first_name" all resolve the same
// getter).
type Getter[E any] func(E) any

// Getters maps a field key to its Getter. A nil or missing entry falls back
// to the reflection-based default resolver.
type Getters[E any] map[string]Getter[E]

// Resolve returns the getter to use for field, preferring an explicit
// registration and otherwise building a reflection-based accessor. Exported
// so pkg/order can resolve order-priority fields the same way filter
// resolves operator-node fields, without embedders having to register every
// sortable field twice.
func Resolve[E any](getters Getters[E], field string) Getter[E] {
	return resolve(getters, field)
}

// resolve returns the getter to use for field, preferring an explicit
// registration and otherwise building a reflection-based accessor.
func resolve[E any](getters Getters[E], field string) Getter[E] {
	if g, ok := getters[field]; ok && g != nil {
		return g
	}
	norm := strcase.ToSnake(field)
	return func(e E) any {
		return reflectField(reflect.ValueOf(e), field, norm)
	}
}

// reflectField looks up field by exact struct field name, by case-folded
// snake-case match, or by map key (for E = map[string]any-shaped entities).
func reflectField(v reflect.Value, field, normalized string) any {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		key := reflect.ValueOf(field)
		if key.Type().AssignableTo(v.Type().Key()) {
			mv := v.MapIndex(key)
			if mv.IsValid() {
				return mv.Interface()
			}
		}
		iter := v.MapRange()
		for iter.Next() {
			k := iter.Key()
			if k.Kind() == reflect.String && strcase.ToSnake(k.String()) == normalized {
				return iter.Value().Interface()
			}
		}
		return nil
	case reflect.Struct:
		if fv := v.FieldByName(field); fv.IsValid() {
			return fv.Interface()
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if strcase.ToSnake(t.Field(i).Name) == normalized {
				return v.Field(i).Interface()
			}
		}
		return nil
	default:
		return nil
	}
}

// Predicate is the compiled form of a filter descriptor.
type Predicate[E any] func(E) bool

// Compile walks the descriptor tree and builds a Predicate. A nil node
// compiles to the constant-true predicate. An operator name absent from ops
// is a fatal compile-time *cherr.Error of kind KindUnknownOperator.
func Compile[E any](n *Node, getters Getters[E], ops Operators, entityName string) (Predicate[E], error) {
	if n == nil {
		return func(E) bool { return true }, nil
	}
	switch n.Kind {
	case KindOperator:
		fn, ok := ops[n.Op]
		if !ok {
			return nil, cherr.New(cherr.KindUnknownOperator, entityName, nil)
		}
		get := resolve(getters, n.Field)
		testValue := n.TestValue
		return func(e E) bool {
			return fn(get(e), testValue)
		}, nil
	case KindAnd:
		preds := make([]Predicate[E], 0, len(n.Children))
		for _, c := range n.Children {
			p, err := Compile(c, getters, ops, entityName)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		return func(e E) bool {
			for _, p := range preds {
				if !p(e) {
					return false
				}
			}
			return true
		}, nil
	case KindOr:
		preds := make([]Predicate[E], 0, len(n.Children))
		for _, c := range n.Children {
			p, err := Compile(c, getters, ops, entityName)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		return func(e E) bool {
			for _, p := range preds {
				if p(e) {
					return true
				}
			}
			return false
		}, nil
	case KindNot:
		if len(n.Children) != 1 {
			return nil, cherr.New(cherr.KindInternal, entityName, nil)
		}
		p, err := Compile(n.Children[0], getters, ops, entityName)
		if err != nil {
			return nil, err
		}
		return func(e E) bool { return !p(e) }, nil
	default:
		return nil, cherr.New(cherr.KindInternal, entityName, nil)
	}
}
