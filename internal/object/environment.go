package object

import (
	"rash/internal/token"
	"sort"
)

// Environment is one frame of bindings. Frames chain through outer to form the lexical scope;
// closures keep a pointer to the frame they were created in, so a frame lives as long as any
// closure that captured it. Frames are only touched from the evaluation goroutine and carry no
// locks.
type Environment struct {
	store map[string]Object
	outer *Environment
}

func NewEnvironment() *Environment {
	return &Environment{store: make(map[string]Object)}
}

// NewEnclosedEnvironment initializes an environment whose parent is outer.
func NewEnclosedEnvironment(outer *Environment) *Environment {
	env := NewEnvironment()
	env.outer = outer
	return env
}

// Child returns a new frame whose parent is e (block scope and call scope).
func (e *Environment) Child() *Environment {
	return NewEnclosedEnvironment(e)
}

// Define binds name in this frame only, replacing any existing binding here. Bindings of the
// same name in outer frames are shadowed, not modified.
func (e *Environment) Define(name string, val Object) Object {
	e.store[name] = val
	return val
}

// Get walks this frame and then its parents.
func (e *Environment) Get(name string) (Object, bool) {
	for env := e; env != nil; env = env.outer {
		if val, ok := env.store[name]; ok {
			return val, true
		}
	}
	return nil, false
}

// Lookup is Get that reports a missing name as UnboundVariable.
func (e *Environment) Lookup(name string) (Object, error) {
	if val, ok := e.Get(name); ok {
		return val, nil
	}
	return nil, NewError(UnboundVariable, token.Position{}, "identifier not found: %s", name)
}

// Assign rebinds name in the nearest frame that defines it.
func (e *Environment) Assign(name string, val Object) (Object, error) {
	for env := e; env != nil; env = env.outer {
		if _, ok := env.store[name]; ok {
			env.store[name] = val
			return val, nil
		}
	}
	return nil, NewError(UnboundVariable, token.Position{}, "failed to assign to '%s': not defined in any accessible scope", name)
}

// Names lists the bindings of this frame only, sorted.
func (e *Environment) Names() []string {
	names := make([]string, 0, len(e.store))
	for name := range e.store {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
