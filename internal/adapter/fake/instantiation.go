package fake

import (
	"context"
	"sync"

	"nodefleet/internal/cluster"
)

var _ cluster.Instantiation = (*Instantiation)(nil)

// Instantiation records declarations. Failed declarations are not recorded.
type Instantiation struct {
	CallRecorder
	Faults

	mu           sync.Mutex
	declarations []cluster.Declaration
}

func (i *Instantiation) DeclareClusterInstance(_ context.Context, d cluster.Declaration) error {
	i.record("DeclareClusterInstance", d)
	if err := i.fault("DeclareClusterInstance", d); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.declarations = append(i.declarations, d)
	return nil
}

func (i *Instantiation) Declarations() []cluster.Declaration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]cluster.Declaration(nil), i.declarations...)
}
