package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hallabot/regubot/internal/router"
)

// RoleAdmin exposes the role router's runtime controls.
type RoleAdmin interface {
	ListPresets() []string
	ActivePreset() string
	SwitchPreset(name string) error
	Roles() []router.RoleInfo
}

// AdminHandler serves the preset and role inspection endpoints.
type AdminHandler struct {
	roles  RoleAdmin
	logger *slog.Logger
}

// NewAdminHandler creates the admin endpoint handler.
func NewAdminHandler(roles RoleAdmin, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{roles: roles, logger: logger}
}

// Mount registers the admin routes.
func (h *AdminHandler) Mount(s *Server) {
	s.Router.Get("/api/llm/presets", h.handleListPresets)
	s.Router.Post("/api/llm/presets/{name}/activate", h.handleActivatePreset)
	s.Router.Get("/api/llm/roles", h.handleListRoles)
}

func (h *AdminHandler) handleListPresets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"presets": h.roles.ListPresets(),
		"active":  h.roles.ActivePreset(),
	})
}

func (h *AdminHandler) handleActivatePreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.roles.SwitchPreset(name); err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	h.logger.Info("preset activated", slog.String("preset", name))
	writeJSON(w, http.StatusOK, map[string]string{"active": name})
}

func (h *AdminHandler) handleListRoles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"preset": h.roles.ActivePreset(),
		"roles":  h.roles.Roles(),
	})
}
