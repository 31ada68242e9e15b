package ruleengine

import "strings"

// Pattern is spec §4.3's pattern language: Value(v), Variable(name), or
// Composite(kind, parts) where kind is one of "entity", "entity.field",
// "entity.fields", "vec", "any", or "type.<ty>".
type Pattern interface{ isPattern() }

// ValuePattern matches exactly one literal Value.
type ValuePattern struct{ Value Value }

// VariablePattern binds name to whatever it matches on first
// occurrence, and requires equality with the bound value on any
// subsequent occurrence within the same match.
type VariablePattern struct{ Name string }

// CompositePattern matches structured data: Kind selects the shape,
// Parts are its sub-patterns.
type CompositePattern struct {
	Kind  string
	Parts []Pattern
}

func (ValuePattern) isPattern()     {}
func (VariablePattern) isPattern()  {}
func (CompositePattern) isPattern() {}

// Env is the variable-binding environment produced by a successful
// match.
type Env map[string]Value

func cloneEnv(env Env) Env {
	out := make(Env, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	return out
}

// Match attempts to match pattern against value, returning the
// resulting bindings on success.
func Match(p Pattern, v Value) (Env, bool) {
	return matchInto(p, v, Env{})
}

func matchInto(p Pattern, v Value, env Env) (Env, bool) {
	switch pt := p.(type) {
	case ValuePattern:
		if Equal(pt.Value, v) {
			return env, true
		}
		return nil, false
	case VariablePattern:
		if bound, ok := env[pt.Name]; ok {
			if Equal(bound, v) {
				return env, true
			}
			return nil, false
		}
		next := cloneEnv(env)
		next[pt.Name] = v
		return next, true
	case CompositePattern:
		return matchComposite(pt, v, env)
	default:
		return nil, false
	}
}

func matchComposite(pt CompositePattern, v Value, env Env) (Env, bool) {
	switch pt.Kind {
	case "any":
		return env, true

	case "vec":
		if v.Kind != KindVec || len(v.Vec) != len(pt.Parts) {
			return nil, false
		}
		cur := env
		for i, part := range pt.Parts {
			ok := false
			cur, ok = matchInto(part, v.Vec[i], cur)
			if !ok {
				return nil, false
			}
		}
		return cur, true

	case "entity":
		// Matches a Sym value naming an entity type (spec: "entity"
		// kind matched against a Sym), e.g. Composite("entity",
		// [Value(Sym("Farmer"))]) against Value::Sym("Farmer").
		if v.Kind != KindSym || len(pt.Parts) != 1 {
			return nil, false
		}
		return matchInto(pt.Parts[0], v, env)

	case "entity.field":
		// Matches a Sym value naming a qualified field reference
		// against an expected field-name pattern, e.g.
		// Composite("entity.field", [Value(Sym("location"))]).
		if v.Kind != KindSym || len(pt.Parts) != 1 {
			return nil, false
		}
		return matchInto(pt.Parts[0], v, env)

	case "entity.fields":
		if v.Kind != KindVec || len(pt.Parts) != len(v.Vec) {
			return nil, false
		}
		cur := env
		for i, part := range pt.Parts {
			ok := false
			cur, ok = matchInto(part, v.Vec[i], cur)
			if !ok {
				return nil, false
			}
		}
		return cur, true

	default:
		if strings.HasPrefix(pt.Kind, "type.") {
			want := strings.TrimPrefix(pt.Kind, "type.")
			if v.typeTag() != want {
				return nil, false
			}
			return env, true
		}
		return nil, false
	}
}

// MatchMultiplePatterns threads the binding environment left-to-right
// across patterns/values, failing as soon as any sub-match fails
// (spec §4.3 match_multiple_patterns).
func MatchMultiplePatterns(patterns []Pattern, values []Value) (Env, bool) {
	if len(patterns) != len(values) {
		return nil, false
	}
	env := Env{}
	for i := range patterns {
		ok := false
		env, ok = matchInto(patterns[i], values[i], env)
		if !ok {
			return nil, false
		}
	}
	return env, true
}
