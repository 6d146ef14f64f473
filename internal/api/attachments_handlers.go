package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
)

// AttachRequest is the body of POST /api/v1/bridges/{name}/attachments.
// An empty Address asks for the lowest free address in the bridge prefix.
type AttachRequest struct {
	VMName  string `json:"vmName"`
	Address string `json:"address,omitempty"`
}

func (a *API) listAttachmentsHandler(w http.ResponseWriter, r *http.Request) {
	bridge := chi.URLParam(r, "name")

	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, a.log, domain.FieldErrors{{Field: "active", Message: "must be a boolean"}})
			return
		}
		activeOnly = b
	}

	attachments, err := a.store.ListAttachments(r.Context(), bridge, activeOnly)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	writeJSON(w, a.log, http.StatusOK, attachments)
}

func (a *API) attachHandler(w http.ResponseWriter, r *http.Request) {
	bridge := chi.URLParam(r, "name")

	var req AttachRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}

	att, err := a.store.AttachVM(r.Context(), req.VMName, bridge, req.Address)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, att)
}

func (a *API) detachHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DetachVM(r.Context(), chi.URLParam(r, "vm"), chi.URLParam(r, "name")); err != nil {
		writeError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
