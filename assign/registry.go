package assign

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/processing"
	"github.com/pkg/errors"
)

// Builder constructs an Assigner from its parameters.
type Builder func(params config.AssignerParams) (Assigner, error)

var (
	registryMu sync.RWMutex
	registry   = orderedmap.NewOrderedMap[config.AssignerName, Builder]()
)

func init() {
	Register(config.AssignerMaxIoU, func(params config.AssignerParams) (Assigner, error) {
		return NewMaxIoUAssigner(params)
	})
}

// Register adds or replaces the builder for name.
func Register(name config.AssignerName, builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry.Set(name, builder)
}

// BuildAssigner looks up params.Type in the registry.
func BuildAssigner(params config.AssignerParams) (Assigner, error) {
	registryMu.RLock()
	builder, ok := registry.Get(params.Type)
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(processing.ErrInvalidArgument, "unknown assigner %q", params.Type)
	}
	assigner, err := builder(params)
	if err != nil {
		return nil, errors.Wrapf(err, "build assigner %q", params.Type)
	}
	return assigner, nil
}

// Names lists the registered assigners in registration order.
func Names() []config.AssignerName {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]config.AssignerName, 0, registry.Len())
	for el := registry.Front(); el != nil; el = el.Next() {
		names = append(names, el.Key)
	}
	return names
}
