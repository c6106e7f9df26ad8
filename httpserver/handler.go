package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ruteri/gpu-cc-key-manager/engine"
	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/rotation"
)

// Handler serves the key-manager API against a running engine. Responses
// carry state summaries only; secrets never cross this surface.
type Handler struct {
	engine *engine.ConfidentialCompute
	driver *engine.Driver
	log    *slog.Logger
}

func NewHandler(eng *engine.ConfidentialCompute, driver *engine.Driver, log *slog.Logger) *Handler {
	return &Handler{engine: eng, driver: driver, log: log}
}

type statusResponse struct {
	Variant     string          `json:"variant"`
	Phase       string          `json:"phase"`
	SpdmEnabled bool            `json:"spdm_enabled"`
	DebugMode   bool            `json:"debug_mode"`
	Flags       map[string]bool `json:"flags"`
	Rotation    rotation.Policy `json:"rotation"`
}

type keysStatusResponse struct {
	Keys []interfaces.KeyStatus `json:"keys"`
}

// rotationTriggerRequest selects the rotation scope. Scope "global" ignores
// the other fields; "keyspace" uses engine and space; "channel" uses
// engine, instance and privileged.
type rotationTriggerRequest struct {
	Scope      string `json:"scope"`
	Engine     uint16 `json:"engine,omitempty"`
	Space      uint16 `json:"space,omitempty"`
	Instance   uint32 `json:"instance,omitempty"`
	Privileged bool   `json:"privileged,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("writing response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// HandleStatus returns the engine phase, variant and policy flags.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, statusResponse{
		Variant:     h.engine.Variant().String(),
		Phase:       h.driver.Phase().String(),
		SpdmEnabled: h.engine.SpdmEnabled(),
		DebugMode:   h.engine.IsDebugModeEnabled(),
		Flags:       h.engine.Flags().Snapshot(),
		Rotation:    h.engine.Rotation().PolicySnapshot(),
	})
}

// HandleKeysStatus returns the non-secret summary of every live key entry.
func (h *Handler) HandleKeysStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, keysStatusResponse{Keys: h.engine.Store().Status()})
}

// HandleRotationTrigger starts a rotation over the requested scope.
func (h *Handler) HandleRotationTrigger(w http.ResponseWriter, r *http.Request) {
	var req rotationTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var scope rotation.Scope
	switch req.Scope {
	case "", "global":
		scope = rotation.ScopeGlobal()
	case "keyspace":
		scope = rotation.ScopeKeySpace(interfaces.EngineID(req.Engine), interfaces.KeySpace(req.Space))
	case "channel":
		scope = rotation.ScopeChannel(interfaces.ChannelID{
			Engine:     interfaces.EngineID(req.Engine),
			Instance:   req.Instance,
			Privileged: req.Privileged,
		})
	default:
		h.writeError(w, http.StatusBadRequest, errors.New("unknown rotation scope "+req.Scope))
		return
	}

	if err := h.engine.Rotation().TriggerKeyRotation(scope); err != nil {
		h.log.Warn("rotation trigger failed", "scope", scope.String(), "err", err)
		h.writeError(w, rotationStatusCode(err), err)
		return
	}

	h.log.Info("rotation triggered", "scope", scope.String())
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rotated", "scope": scope.String()})
}

func rotationStatusCode(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrRotationNotSupported):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrRotationInProgress):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrInvalidIdentifier), errors.Is(err, interfaces.ErrNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
