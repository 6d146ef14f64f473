package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/store"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
	waitPollInterval   = 100 * time.Millisecond
)

// kindFromRequest resolves the {plural} path segment to a registered kind.
func (a *API) kindFromRequest(w http.ResponseWriter, r *http.Request) (domain.KindInfo, bool) {
	plural := chi.URLParam(r, "plural")
	info, ok := domain.LookupPlural(plural)
	if !ok {
		writeJSON(w, a.log, http.StatusNotFound, ErrorResponse{
			Error:  fmt.Sprintf("unknown resource type %q", plural),
			Reason: ReasonNotFound,
		})
		return domain.KindInfo{}, false
	}
	return info, true
}

func (a *API) listResourcesHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := a.kindFromRequest(w, r)
	if !ok {
		return
	}

	resources, err := a.store.List(r.Context(), info.Kind)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if resources == nil {
		resources = []domain.Resource{}
	}
	writeJSON(w, a.log, http.StatusOK, resources)
}

// createResourceHandler applies a manifest. It returns as soon as the
// desired state is stored; convergence is reported through status.
func (a *API) createResourceHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := a.kindFromRequest(w, r)
	if !ok {
		return
	}

	var res domain.Resource
	if err := decodeBody(w, r, &res); err != nil {
		writeError(w, a.log, err)
		return
	}
	if res.Kind != info.Kind {
		writeError(w, a.log, domain.FieldErrors{{Field: "kind", Message: fmt.Sprintf("must be %q for %s", info.Kind, info.Plural)}})
		return
	}

	stored, accepted, err := a.store.Put(r.Context(), res)
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	status := http.StatusOK
	if accepted && stored.Metadata.Generation == 1 {
		status = http.StatusCreated
	}
	writeJSON(w, a.log, status, stored)
}

func (a *API) getResourceHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := a.kindFromRequest(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	res, found, err := a.store.Get(r.Context(), info.Kind, name)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if !found {
		writeError(w, a.log, fmt.Errorf("%w: %s/%s", store.ErrNotFound, info.Kind, name))
		return
	}
	writeJSON(w, a.log, http.StatusOK, res)
}

// deleteResourceHandler requests deletion and returns 202 with the
// resource in its Deleting state. Teardown happens in the reconciler.
func (a *API) deleteResourceHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := a.kindFromRequest(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	if err := a.store.Delete(r.Context(), info.Kind, name); err != nil {
		writeError(w, a.log, err)
		return
	}

	res, found, err := a.store.Get(r.Context(), info.Kind, name)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if !found {
		// Already torn down by the time we looked.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, a.log, http.StatusAccepted, res)
}

// waitResourceHandler long-polls until the resource reaches ?phase= (default
// Ready) or ?timeout= (default 30s) elapses.
func (a *API) waitResourceHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := a.kindFromRequest(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	phase, timeout, err := parseWaitParams(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	log := a.log.WithFields(logrus.Fields{"key": info.Kind + "/" + name, "phase": phase})
	var last domain.Resource
	err = wait.PollUntilContextTimeout(r.Context(), waitPollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		res, found, err := a.store.Get(ctx, info.Kind, name)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("%w: %s/%s", store.ErrNotFound, info.Kind, name)
		}
		last = res
		return res.Reached(phase), nil
	})

	switch {
	case err == nil:
		writeJSON(w, a.log, http.StatusOK, last)
	case wait.Interrupted(err) && r.Context().Err() == nil:
		log.Debug("wait timed out")
		writeJSON(w, a.log, http.StatusRequestTimeout, ErrorResponse{
			Error:  fmt.Sprintf("timed out after %s waiting for phase %s, last phase %q", timeout, phase, last.Status.Phase),
			Reason: ReasonTimeout,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, a.log, err)
	case r.Context().Err() != nil:
		log.Debug("client went away while waiting")
	default:
		writeError(w, a.log, err)
	}
}

func parseWaitParams(r *http.Request) (domain.Phase, time.Duration, error) {
	var errs domain.FieldErrors

	phase := domain.PhaseReady
	if p := r.URL.Query().Get("phase"); p != "" {
		phase = domain.Phase(p)
		if !phase.Valid() {
			errs = append(errs, domain.FieldError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", p)})
		}
	}

	timeout := defaultWaitTimeout
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		switch {
		case err != nil:
			errs = append(errs, domain.FieldError{Field: "timeout", Message: err.Error()})
		case d <= 0 || d > maxWaitTimeout:
			errs = append(errs, domain.FieldError{Field: "timeout", Message: fmt.Sprintf("must be between 0s and %s", maxWaitTimeout)})
		default:
			timeout = d
		}
	}

	if len(errs) > 0 {
		return "", 0, errs
	}
	return phase, timeout, nil
}
