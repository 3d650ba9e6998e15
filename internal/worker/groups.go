package worker

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/MrWong99/greenline/internal/pricing"
	"github.com/MrWong99/greenline/internal/servicearea"
	"github.com/MrWong99/greenline/internal/store"
	"github.com/MrWong99/greenline/internal/tool"
)

// GroupBusinessLogic hosts the pricing and service-area tools.
const GroupBusinessLogic = "business-logic"

// ErrUnknownGroup is returned for a tool group name with no catalogue.
var ErrUnknownGroup = errors.New("unknown tool group")

// Deps are the collaborators a tool group may use.
type Deps struct {
	Store store.Store
}

// GroupBuilder builds the tools of one group.
type GroupBuilder func(Deps) ([]tool.Tool, error)

var catalogue = map[string]GroupBuilder{
	GroupBusinessLogic: businessLogic,
}

// Groups returns the names of all known tool groups, sorted.
func Groups() []string {
	return slices.Sorted(maps.Keys(catalogue))
}

// KnownGroup reports whether name has a catalogue.
func KnownGroup(name string) bool {
	_, ok := catalogue[name]
	return ok
}

// BuildGroup returns the tools of the named group.
func BuildGroup(name string, deps Deps) ([]tool.Tool, error) {
	build, ok := catalogue[name]
	if !ok {
		return nil, fmt.Errorf("worker: %w %q (known: %v)", ErrUnknownGroup, name, Groups())
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("worker: group %q: store is required", name)
	}
	return build(deps)
}

func businessLogic(deps Deps) ([]tool.Tool, error) {
	quote, err := pricing.NewTool(pricing.NewResolver(deps.Store))
	if err != nil {
		return nil, err
	}
	area, err := servicearea.NewTool(servicearea.NewValidator(deps.Store))
	if err != nil {
		return nil, err
	}
	return []tool.Tool{quote, area}, nil
}
