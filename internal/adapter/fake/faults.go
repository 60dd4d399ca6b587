package fake

import (
	"sync"

	"nodefleet/internal/adapter/fake/fault"
)

// Faults is embedded by fakes that can be told to fail. The zero value is
// ready to use.
type Faults struct {
	once     sync.Once
	injector *fault.Injector
}

func (f *Faults) faults() *fault.Injector {
	f.once.Do(func() { f.injector = fault.NewInjector() })
	return f.injector
}

func (f *Faults) FailOnce(point string, err error)           { f.faults().FailOnce(point, err) }
func (f *Faults) FailTimes(point string, n int, err error)   { f.faults().FailTimes(point, n, err) }
func (f *Faults) FailAlways(point string, err error)         { f.faults().FailAlways(point, err) }
func (f *Faults) SetFaultHook(point string, hook fault.Hook) { f.faults().SetHook(point, hook) }
func (f *Faults) ClearFaults()                               { f.faults().Reset() }

func (f *Faults) fault(point string, args ...any) error {
	return f.faults().Eval(point, args...)
}
