package route

import (
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Build aggregates all service descriptors into one routing model.
//
// The model is deterministic: routes are sorted by primary hostname, then by
// service identity, so repeated builds from identical input render to
// byte-identical configuration. A hostname claimed by more than one service
// produces a ParseError for every claimant and none of them is included;
// failing safe beats first-wins.
func Build(services []ServiceDescriptor, generation int64) (*Model, []*ParseError) {
	var errs []*ParseError
	specs := make([]Spec, 0, len(services))

	for _, svc := range services {
		spec, perr := Parse(svc.ID, svc.Labels)
		if perr != nil {
			errs = append(errs, perr)
			continue
		}
		spec.UpstreamName = svc.Name
		specs = append(specs, *spec)
	}

	// Map every hostname to the set of services claiming it.
	claims := map[string]sets.Set[string]{}
	for _, spec := range specs {
		for _, h := range spec.Hosts {
			if claims[h] == nil {
				claims[h] = sets.New[string]()
			}
			claims[h].Insert(spec.ServiceID)
		}
	}

	colliding := sets.New[string]()
	for host, owners := range claims {
		if owners.Len() <= 1 {
			continue
		}
		for _, id := range sets.List(owners) {
			if colliding.Has(id) {
				continue
			}
			colliding.Insert(id)
			errs = append(errs, &ParseError{
				ServiceID: id,
				Label:     LabelHost,
				Reason:    fmt.Sprintf("hostname %s is claimed by another service", host),
			})
		}
	}

	model := &Model{Generation: generation}
	for _, spec := range specs {
		if colliding.Has(spec.ServiceID) {
			continue
		}
		model.Routes = append(model.Routes, spec)
	}
	sort.Slice(model.Routes, func(i, j int) bool {
		a, b := model.Routes[i], model.Routes[j]
		if a.Hosts[0] != b.Hosts[0] {
			return a.Hosts[0] < b.Hosts[0]
		}
		return a.ServiceID < b.ServiceID
	})

	return model, errs
}
