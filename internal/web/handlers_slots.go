package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/marzan3698/omni-sub004/internal/session"
)

type slotsResponse struct {
	Tenant string             `json:"tenant"`
	Slots  []session.SlotInfo `json:"slots"`
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// slotRequest validates method, auth, read-only mode and path values shared
// by the slot routes. It writes the error response and returns ok=false when
// the request must not proceed.
func (s *Server) slotRequest(w http.ResponseWriter, r *http.Request, method string, mutating bool) (tenant, slot string, ok bool) {
	if r.Method != method {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return "", "", false
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return "", "", false
	}
	if mutating && s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is in read-only mode")
		return "", "", false
	}
	if s.slots == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "slot manager is not running")
		return "", "", false
	}

	tenant = strings.TrimSpace(r.PathValue("tenant"))
	if tenant == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "tenant is required")
		return "", "", false
	}
	slot = r.PathValue("slot")
	if slot != "" && !session.ValidSlot(slot) {
		writeAPIError(w, http.StatusBadRequest, "INVALID_SLOT", "slot must be one of 1-5")
		return "", "", false
	}
	return tenant, slot, true
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.slotRequest(w, r, http.MethodGet, false)
	if !ok {
		return
	}
	slots, err := s.slots.ListSlots(r.Context(), tenant)
	if err != nil {
		webLog.Error("list_slots_failed", slog.String("tenant", tenant), slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list slots")
		return
	}
	writeJSON(w, http.StatusOK, slotsResponse{Tenant: tenant, Slots: slots})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenant, slot, ok := s.slotRequest(w, r, http.MethodPost, true)
	if !ok {
		return
	}
	res := s.slots.Initialize(r.Context(), tenant, slot)
	status := http.StatusAccepted
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenant, slot, ok := s.slotRequest(w, r, http.MethodPost, true)
	if !ok {
		return
	}
	if err := s.slots.Disconnect(r.Context(), tenant, slot); err != nil {
		if errors.Is(err, session.ErrInvalidSlot) {
			writeAPIError(w, http.StatusBadRequest, "INVALID_SLOT", err.Error())
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session.Result{Success: true, Message: "disconnected"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant, slot, ok := s.slotRequest(w, r, http.MethodGet, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.slots.Status(tenant, slot))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	tenant, slot, ok := s.slotRequest(w, r, http.MethodPost, true)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid message payload")
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || req.Content == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "to and content are required")
		return
	}

	res := s.slots.SendMessage(r.Context(), tenant, slot, req.To, req.Content)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}
