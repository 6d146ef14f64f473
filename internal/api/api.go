package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/logging"
	"github.com/jbweber/homelab/vmnetd/internal/metrics"
	"github.com/jbweber/homelab/vmnetd/internal/resolver"
)

// Store defines the persistence operations the handlers need
type Store interface {
	Put(ctx context.Context, res domain.Resource) (domain.Resource, bool, error)
	Get(ctx context.Context, kind, name string) (domain.Resource, bool, error)
	List(ctx context.Context, kind string) ([]domain.Resource, error)
	Delete(ctx context.Context, kind, name string) error
	AttachVM(ctx context.Context, vmName, bridgeName, address string) (domain.Attachment, error)
	DetachVM(ctx context.Context, vmName, bridgeName string) error
	ListAttachments(ctx context.Context, bridgeName string, activeOnly bool) ([]domain.Attachment, error)
}

// Zones exposes the current DNS zone table
type Zones interface {
	Table() *resolver.Table
}

// API holds the dependencies shared by every handler
type API struct {
	store Store
	zones Zones
	log   *logrus.Entry
}

// NewAPI creates a new API instance. zones may be nil when DNS is disabled.
func NewAPI(store Store, zones Zones, log *logrus.Entry) *API {
	return &API{
		store: store,
		zones: zones,
		log:   log.WithField("component", "api"),
	}
}

// Router returns a chi router with middleware and every route registered.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(a.log))
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.healthzHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/zones", a.zonesHandler)

		// Attachments are bridge-specific and registered ahead of the
		// generic resource routes.
		r.Route("/bridges/{name}/attachments", func(r chi.Router) {
			r.Get("/", a.listAttachmentsHandler)
			r.Post("/", a.attachHandler)
			r.Delete("/{vm}", a.detachHandler)
		})

		r.Route("/{plural}", func(r chi.Router) {
			r.Get("/", a.listResourcesHandler)
			r.Post("/", a.createResourceHandler)
			r.Get("/{name}", a.getResourceHandler)
			r.Delete("/{name}", a.deleteResourceHandler)
			r.Get("/{name}/wait", a.waitResourceHandler)
		})
	})
}

func (a *API) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.log, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) zonesHandler(w http.ResponseWriter, r *http.Request) {
	zones := []resolver.ZoneInfo{}
	if a.zones != nil {
		table := a.zones.Table()
		w.Header().Set("Last-Modified", table.BuiltAt().UTC().Format(http.TimeFormat))
		w.Header().Set("X-Zone-Serial", strconv.FormatUint(uint64(table.Serial()), 10))
		zones = table.Zones()
	}
	writeJSON(w, a.log, http.StatusOK, zones)
}
