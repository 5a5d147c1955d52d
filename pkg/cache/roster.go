package cache

import (
	"github.com/apex/log"
	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"
)

// ErrReexportCycle is returned by Link when dylibs re-export each other.
var ErrReexportCycle = errors.New("re-export cycle")

// Link resolves each dylib's dependencies against the roster by install name.
// Dependencies outside the roster are left nil. Re-exported dylibs must be in
// the roster and must not form a cycle.
func Link(dylibs []*CacheDylib) error {
	byName := make(map[string]*CacheDylib, len(dylibs))
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, d := range dylibs {
		name := d.InstallName()
		if _, dup := byName[name]; dup {
			return errors.Errorf("duplicate install name %s", name)
		}
		byName[name] = d
		if err := g.AddVertex(name); err != nil {
			return errors.Wrapf(err, "failed to add %s to re-export graph", name)
		}
	}

	for _, d := range dylibs {
		d.Dependents = make([]DependentDylib, len(d.Input.Dependencies))
		for i, dep := range d.Input.Dependencies {
			target := byName[dep.InstallName]
			d.Dependents[i] = DependentDylib{Dependency: dep, Dylib: target}
			if target == nil {
				if dep.Kind == LinkReexport {
					return errors.Errorf("%s re-exports %s which is not in the cache", d.InstallName(), dep.InstallName)
				}
				if dep.Kind != LinkWeak {
					log.WithFields(log.Fields{
						"dylib":      d.InstallName(),
						"dependency": dep.InstallName,
					}).Warn("dependency not in cache")
				}
				continue
			}
			if dep.Kind != LinkReexport {
				continue
			}
			if err := g.AddEdge(d.InstallName(), dep.InstallName); err != nil {
				if errors.Is(err, graph.ErrEdgeAlreadyExists) {
					continue
				}
				if errors.Is(err, graph.ErrEdgeCreatesCycle) {
					path, _ := graph.ShortestPath(g, dep.InstallName, d.InstallName())
					return errors.Wrapf(ErrReexportCycle, "%s re-exports %s (existing path %v)", d.InstallName(), dep.InstallName, path)
				}
				return errors.Wrapf(err, "failed to add re-export edge %s -> %s", d.InstallName(), dep.InstallName)
			}
		}
	}
	return nil
}
