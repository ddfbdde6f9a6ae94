package app

import (
	"context"
	"net/http"

	"github.com/aquamarinepk/epcp/log"
	"github.com/go-chi/chi/v5"
)

// Startable components are started before the server accepts traffic.
type Startable interface {
	Start(ctx context.Context) error
}

// Stoppable components are stopped, in reverse order, at shutdown.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// RouteRegistrar components contribute routes to the main router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Setup classifies components by capability. Routes are not registered
// here; Start wires them once every component started successfully.
func Setup(ctx context.Context, r chi.Router, components ...any) (
	starts []func(context.Context) error,
	stops []func(context.Context) error,
	registrars []RouteRegistrar,
) {
	for _, component := range components {
		if s, ok := component.(Startable); ok {
			starts = append(starts, s.Start)
		}
		if s, ok := component.(Stoppable); ok {
			stops = append(stops, s.Stop)
		}
		if reg, ok := component.(RouteRegistrar); ok {
			registrars = append(registrars, reg)
		}
	}
	return starts, stops, registrars
}

// Start runs every start function in order. When one fails, components
// already started are stopped again, in reverse order, and the failure
// is returned. On success all registrars attach their routes.
func Start(ctx context.Context, logger log.Logger,
	starts []func(context.Context) error,
	stops []func(context.Context) error,
	registrars []RouteRegistrar,
	r chi.Router,
) error {
	for i, start := range starts {
		if err := start(ctx); err != nil {
			logger.Errorf("Cannot start component %d: %v", i, err)
			for j := i - 1; j >= 0; j-- {
				if j < len(stops) {
					if stopErr := stops[j](ctx); stopErr != nil {
						logger.Errorf("Cannot stop component %d during rollback: %v", j, stopErr)
					}
				}
			}
			return err
		}
	}

	for _, reg := range registrars {
		reg.RegisterRoutes(r)
	}
	return nil
}

// Serve blocks serving the router on the given address.
func Serve(r chi.Router, addr string) error {
	return http.ListenAndServe(addr, r)
}

// Shutdown stops the HTTP server, then every component in reverse
// order. Component stop errors are logged, not propagated, so that one
// failing component cannot block the rest of the teardown.
func Shutdown(srv *http.Server, logger log.Logger, stops []func(context.Context) error) {
	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Errorf("Cannot shut down server: %v", err)
		}
	}
	for i := len(stops) - 1; i >= 0; i-- {
		if err := stops[i](context.Background()); err != nil {
			logger.Errorf("Cannot stop component %d: %v", i, err)
		}
	}
}
