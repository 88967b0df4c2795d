// Package events assembles the event store module
package events

import (
	"casefile/internal/modkit"
	"casefile/internal/modkit/httpkit"
	"casefile/internal/services/events/domain"
	evhttp "casefile/internal/services/events/http"
	"casefile/internal/services/events/repo"
	"casefile/internal/services/events/service"
)

// Ports are the surfaces other modules may depend on
type Ports struct {
	Writer domain.WriterPort
	Query  domain.QueryPort
	Link   domain.LinkPort
}

// Module bundles the event store wiring
type Module struct {
	deps  modkit.Deps
	built modkit.Built
	ports Ports
	svc   *service.Service
}

// New builds the events module with its repo bound to deps.PG
func New(deps modkit.Deps, opts ...modkit.Option) *Module {
	svc := service.New(deps, repo.NewPG())
	ports := Ports{Writer: svc, Query: svc, Link: svc}

	base := []modkit.Option{
		modkit.WithName("events"),
		modkit.WithPorts(ports),
	}
	built := modkit.Build(append(base, opts...)...)

	return &Module{deps: deps, built: built, ports: ports, svc: svc}
}

// Name returns the module name
func (m *Module) Name() string { return m.built.Name }

// Ports exposes the module ports for cross-module wiring
func (m *Module) Ports() Ports { return m.ports }

// MountRoutes registers the event endpoints on r
func (m *Module) MountRoutes(r httpkit.Router) {
	evhttp.Register(r, m.ports.Writer, m.ports.Query, m.ports.Link)
	m.built.Register(r)
}
