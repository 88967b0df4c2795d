// Package investigations assembles the investigation store module
package investigations

import (
	"casefile/internal/modkit"
	"casefile/internal/modkit/httpkit"
	"casefile/internal/services/investigations/domain"
	invhttp "casefile/internal/services/investigations/http"
	"casefile/internal/services/investigations/repo"
	"casefile/internal/services/investigations/service"
)

// Ports are the surfaces other modules may depend on
type Ports struct {
	Store       domain.StorePort
	Annotations domain.AnnotationPort
	Relations   domain.RelationPort
	Reference   domain.ReferencePort
}

// Module bundles the investigation store wiring
type Module struct {
	deps  modkit.Deps
	built modkit.Built
	ports Ports

	events invhttp.EventLinks
	linker invhttp.Linker
}

// New builds the investigations module. Event links and the linker are
// injected later since the linker itself depends on this module's ports
func New(deps modkit.Deps, opts ...modkit.Option) *Module {
	svc := service.New(deps, repo.NewPG())
	ports := Ports{Store: svc, Annotations: svc, Relations: svc, Reference: svc}

	base := []modkit.Option{
		modkit.WithName("investigations"),
		modkit.WithPorts(ports),
	}
	built := modkit.Build(append(base, opts...)...)

	return &Module{deps: deps, built: built, ports: ports}
}

// Name returns the module name
func (m *Module) Name() string { return m.built.Name }

// Ports exposes the module ports for cross-module wiring
func (m *Module) Ports() Ports { return m.ports }

// Wire attaches the event store slice and linker used by the HTTP surface
func (m *Module) Wire(events invhttp.EventLinks, linker invhttp.Linker) {
	m.events = events
	m.linker = linker
}

// MountRoutes registers the investigation endpoints on r
func (m *Module) MountRoutes(r httpkit.Router) {
	invhttp.Register(r, m.ports.Store, m.ports.Annotations, m.ports.Relations, m.events, m.linker)
	m.built.Register(r)
}
