package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var kindStatus = map[error]struct {
	status int
	name   string
}{
	domain.ErrValidation:          {http.StatusBadRequest, "validation"},
	domain.ErrConflict:            {http.StatusConflict, "conflict"},
	domain.ErrState:               {http.StatusUnprocessableEntity, "state"},
	domain.ErrNotFound:            {http.StatusNotFound, "not_found"},
	domain.ErrInsufficientBalance: {http.StatusPaymentRequired, "insufficient_balance"},
	domain.ErrExternal:            {http.StatusBadGateway, "external"},
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error kind to its status. Unclassified errors are
// logged and reported as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, logger observability.Logger, err error) {
	if errors.Is(err, domain.ErrForbidden) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error(), Kind: "forbidden"})
		return
	}
	if m, ok := kindStatus[domain.KindOf(err)]; ok {
		writeJSON(w, m.status, errorBody{Error: err.Error(), Kind: m.name})
		return
	}
	if l := loggerFrom(r.Context(), logger); l != nil {
		l.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"})
}
