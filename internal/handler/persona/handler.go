package persona

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/joi-gateway/internal/model/persona"
	"github.com/zhouzirui/joi-gateway/pkg/utils"
)

// Handler persona服务的HTTP处理器
type Handler struct {
	personas persona.Store
	activeID string
}

// New 创建persona处理器; activeID 为当前生效的persona
func New(personas persona.Store, activeID string) *Handler {
	return &Handler{
		personas: personas,
		activeID: activeID,
	}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.handleListPersonas)
	r.Get("/personas/active", h.handleActivePersona)
}

type personaView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// handleListPersonas 列出所有persona, 不暴露preamble
func (h *Handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	items := h.personas.List()
	views := make([]personaView, 0, len(items))
	for _, p := range items {
		views = append(views, personaView{ID: p.ID, Name: p.Name, Title: p.Title, Active: p.ID == h.activeID})
	}
	utils.RespondJSON(w, http.StatusOK, views)
}

func (h *Handler) handleActivePersona(w http.ResponseWriter, r *http.Request) {
	p, err := persona.Resolve(h.personas, h.activeID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, personaView{ID: p.ID, Name: p.Name, Title: p.Title, Active: true})
}
