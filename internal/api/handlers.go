package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/infrastructure/postgres"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/usecase"

	"github.com/go-chi/chi/v5"
)

type Handlers struct {
	registerUC *usecase.RegisterSubscriber
	getUC      *usecase.GetSubscriber
}

func NewHandlers(registerUC *usecase.RegisterSubscriber, getUC *usecase.GetSubscriber) *Handlers {
	return &Handlers{
		registerUC: registerUC,
		getUC:      getUC,
	}
}

func (h *Handlers) RegisterSubscriber(w http.ResponseWriter, r *http.Request) {
	var req usecase.RegisterSubscriberParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RegistrationToken == "" {
		writeError(w, http.StatusBadRequest, "registration_token is required")
		return
	}

	sub, err := h.registerUC.Execute(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sub)
}

func (h *Handlers) GetSubscriber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "customerIdentifier")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing customer identifier")
		return
	}

	sub, err := h.getUC.Execute(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrSubscriberNotFound) {
			writeError(w, http.StatusNotFound, "subscriber not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sub)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
