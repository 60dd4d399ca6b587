// Package fault injects failures into fake adapters at named points.
package fault

import (
	"fmt"
	"strings"
	"sync"

	"nodefleet/internal/check"
)

// Hook sees the arguments of the faulted call and may fail it.
type Hook func(args ...any) error

type point struct {
	queued []error
	always error
	hook   Hook
}

// Injector holds the configured faults per point. Points are usually named
// after the method they fail, e.g. "SaveAllocation".
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailTimes fails the next n evaluations of name with err.
func (i *Injector) FailTimes(name string, n int, err error) {
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector.FailTimes: point must not be empty")
	check.Assert(err != nil, "fault.Injector.FailTimes: err must not be nil")
	if err == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	p := i.point(name)
	for range n {
		p.queued = append(p.queued, err)
	}
}

// FailOnce fails the next evaluation of name with err.
func (i *Injector) FailOnce(name string, err error) { i.FailTimes(name, 1, err) }

// FailAlways fails every evaluation of name with err until cleared.
func (i *Injector) FailAlways(name string, err error) {
	i.mu.Lock()
	i.point(name).always = err
	i.mu.Unlock()
}

func (i *Injector) SetHook(name string, hook Hook) {
	i.mu.Lock()
	i.point(name).hook = hook
	i.mu.Unlock()
}

func (i *Injector) Clear(name string) {
	i.mu.Lock()
	delete(i.points, name)
	i.mu.Unlock()
}

func (i *Injector) Reset() {
	i.mu.Lock()
	i.points = make(map[string]*point)
	i.mu.Unlock()
}

// Eval returns the fault for this evaluation of name, if any.
// Precedence: hook, then queued failures, then the persistent failure.
func (i *Injector) Eval(name string, args ...any) error {
	i.mu.Lock()
	p := i.points[name]
	if p == nil {
		i.mu.Unlock()
		return nil
	}
	hook, always := p.hook, p.always
	var queued error
	if len(p.queued) > 0 {
		queued, p.queued = p.queued[0], p.queued[1:]
	}
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("fault %s: %w", name, err)
		}
	}
	if queued != nil {
		return fmt.Errorf("fault %s: %w", name, queued)
	}
	if always != nil {
		return fmt.Errorf("fault %s: %w", name, always)
	}
	return nil
}

func (i *Injector) point(name string) *point {
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	return p
}
