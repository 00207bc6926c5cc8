package script

import (
	"reflect"
	"strings"
)

// findRequires walks a parsed chunk's syntax tree looking for
// require("name") call expressions, returning the discovered module names
// with duplicates removed. This is the AST-based dependency-closure
// discovery spec.md's design notes call for on non-CPython targets (no
// bytecode introspection): gopher-lua's ast package doesn't expose a
// go/ast-style Inspect helper, so the walk is done generically via
// reflection over whatever node types parse.Parse hands back, rather than
// hardcoding every statement/expression variant.
func findRequires(root interface{}) []string {
	seen := make(map[string]bool)
	var order []string
	walk(reflect.ValueOf(root), seen, &order, 0)
	return order
}

const maxWalkDepth = 64

func walk(v reflect.Value, seen map[string]bool, order *[]string, depth int) {
	if depth > maxWalkDepth || !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return
		}
		walk(v.Elem(), seen, order, depth+1)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walk(v.Index(i), seen, order, depth+1)
		}
	case reflect.Struct:
		if name, ok := requireArgName(v); ok {
			if !seen[name] {
				seen[name] = true
				*order = append(*order, name)
			}
		}
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if !field.CanInterface() {
				continue
			}
			walk(field, seen, order, depth+1)
		}
	}
}

// requireArgName recognizes a FunctionCallExpr-shaped struct whose callee
// is the identifier "require" and whose first argument is a string
// literal, returning that literal.
func requireArgName(v reflect.Value) (string, bool) {
	if !strings.HasSuffix(v.Type().Name(), "FunctionCallExpr") {
		return "", false
	}
	funcField := v.FieldByName("Func")
	if !funcField.IsValid() {
		return "", false
	}
	if !isIdentNamed(funcField, "require") {
		return "", false
	}
	argsField := v.FieldByName("Args")
	if !argsField.IsValid() || argsField.Kind() != reflect.Slice || argsField.Len() == 0 {
		return "", false
	}
	return stringExprValue(argsField.Index(0))
}

func isIdentNamed(v reflect.Value, name string) bool {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || !strings.HasSuffix(v.Type().Name(), "IdentExpr") {
		return false
	}
	valueField := v.FieldByName("Value")
	return valueField.Kind() == reflect.String && valueField.String() == name
}

func stringExprValue(v reflect.Value) (string, bool) {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || !strings.HasSuffix(v.Type().Name(), "StringExpr") {
		return "", false
	}
	valueField := v.FieldByName("Value")
	if valueField.Kind() != reflect.String {
		return "", false
	}
	return valueField.String(), true
}
