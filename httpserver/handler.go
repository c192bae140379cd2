package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/apbridge/bootid/attrbus"
	"github.com/apbridge/bootid/efuse"
	"github.com/apbridge/bootid/interfaces"
)

// StatusResponse is the JSON body of GET /api/public/status.
type StatusResponse struct {
	// Provisioned is true when the boot-time identity flow completed.
	Provisioned bool `json:"provisioned"`

	// EndpointID is the derived identity in hex, empty when no identity
	// was established.
	EndpointID string `json:"endpoint_id,omitempty"`

	// Published is true when both identity words reached the bus.
	Published bool `json:"published"`

	// ErrorCode is the numeric boot error code, zero on success.
	ErrorCode uint32 `json:"error_code"`

	// Error is the error message, empty on success.
	Error string `json:"error,omitempty"`
}

// AttributeResponse is the JSON body of GET /api/public/attributes/{attr_id}.
type AttributeResponse struct {
	AttrID string `json:"attr_id"`
	Value  uint32 `json:"value"`
}

// Handler serves bench status queries. The bench runs the provisioning
// flow once at startup and records the result here; attribute reads go
// straight to the local bus.
type Handler struct {
	bus *attrbus.LocalBus
	log *slog.Logger

	mu      sync.RWMutex
	outcome efuse.Outcome
	runErr  error
	done    bool
}

// NewHandler creates a handler over the given local bus.
func NewHandler(bus *attrbus.LocalBus, log *slog.Logger) *Handler {
	return &Handler{
		bus: bus,
		log: log,
	}
}

// SetResult records the provisioning outcome for status queries.
func (h *Handler) SetResult(outcome efuse.Outcome, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcome = outcome
	h.runErr = err
	h.done = true
}

// HandleStatus reports the provisioning outcome.
//
// URL format: GET /api/public/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	outcome, runErr, done := h.outcome, h.runErr, h.done
	h.mu.RUnlock()

	resp := StatusResponse{
		Provisioned: done && runErr == nil,
		Published:   outcome.Published,
	}
	if outcome.Published {
		resp.EndpointID = outcome.EndpointID.String()
	}
	if runErr != nil {
		resp.ErrorCode = uint32(interfaces.CodeForError(runErr))
		resp.Error = runErr.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode status response", "err", err)
	}
}

// HandleAttribute returns a published attribute's value.
//
// URL format: GET /api/public/attributes/{attr_id}
// The attribute ID is hex, with or without a 0x prefix (e.g. 0xd810).
func (h *Handler) HandleAttribute(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "attr_id")
	id, err := parseAttrID(raw)
	if err != nil {
		h.log.Debug("Invalid attribute id", slog.String("attr_id", raw))
		http.Error(w, "Invalid attribute ID", http.StatusBadRequest)
		return
	}

	value, ok := h.bus.ReadAttribute(id)
	if !ok {
		http.Error(w, "Attribute not published", http.StatusNotFound)
		return
	}

	resp := AttributeResponse{
		AttrID: fmt.Sprintf("0x%04x", uint16(id)),
		Value:  value,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode attribute response", "err", err)
	}
}

func parseAttrID(raw string) (interfaces.AttributeID, error) {
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	v, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return 0, err
	}
	return interfaces.AttributeID(v), nil
}
