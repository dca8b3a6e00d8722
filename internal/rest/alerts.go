package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"windowgate/internal/alerts"
)

const defaultWindowMinutes = 15

// AlertController serves the owner-scoped alerts API.
type AlertController struct {
	manager *alerts.Manager
	logger  zerolog.Logger
}

// NewAlertController wires the controller.
func NewAlertController(manager *alerts.Manager, logger zerolog.Logger) *AlertController {
	return &AlertController{manager: manager, logger: logger.With().Str("component", "alerts_api").Logger()}
}

// RegisterAlertRoutes mounts the alerts API behind auth.
func (a *AlertController) RegisterAlertRoutes(rg *gin.RouterGroup) {
	rg.POST("/alerts", a.handleCreate)
	rg.GET("/alerts", a.handleList)
	rg.GET("/alerts/:id", a.handleGet)
	rg.DELETE("/alerts/:id", a.handleDelete)
}

type createAlertRequest struct {
	Type          alerts.Type `json:"type"`
	Threshold     *float64    `json:"threshold"`
	WindowMinutes *int        `json:"window_minutes"`
	Symbol        string      `json:"symbol"`
	Description   string      `json:"description"`
}

type alertResponse struct {
	ID            string        `json:"id"`
	Type          alerts.Type   `json:"type"`
	Threshold     float64       `json:"threshold"`
	WindowMinutes int           `json:"window_minutes"`
	Symbol        *string       `json:"symbol"`
	Description   *string       `json:"description"`
	CreatedAt     string        `json:"created_at"`
	State         *alerts.State `json:"state,omitempty"`
}

func toResponse(a alerts.Alert) alertResponse {
	def := alerts.DefinitionOf(a)
	out := alertResponse{
		ID:            a.ID,
		Type:          def.Type,
		Threshold:     def.Threshold,
		WindowMinutes: def.WindowMinutes,
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if def.Symbol != "" {
		out.Symbol = &def.Symbol
	}
	if def.Description != "" {
		out.Description = &def.Description
	}
	return out
}

func (a *AlertController) handleCreate(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Threshold == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threshold is required"})
		return
	}
	window := defaultWindowMinutes
	if req.WindowMinutes != nil {
		window = *req.WindowMinutes
	}

	id := identityFrom(c)
	def := alerts.Definition{
		Type:          req.Type,
		Threshold:     *req.Threshold,
		WindowMinutes: window,
		Symbol:        req.Symbol,
		Description:   req.Description,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	alert, err := a.manager.Create(ctx, id.KeyHash, id.Plan, def)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(alert))
}

func (a *AlertController) handleList(c *gin.Context) {
	id := identityFrom(c)
	records, err := a.manager.List(c.Request.Context(), id.KeyHash)
	if err != nil {
		a.writeError(c, err)
		return
	}
	out := make([]alertResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toResponse(rec.Alert))
	}
	c.JSON(http.StatusOK, out)
}

func (a *AlertController) handleGet(c *gin.Context) {
	id := identityFrom(c)
	rec, err := a.manager.Get(c.Request.Context(), id.KeyHash, c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	out := toResponse(rec.Alert)
	state := rec.State
	out.State = &state
	c.JSON(http.StatusOK, out)
}

func (a *AlertController) handleDelete(c *gin.Context) {
	id := identityFrom(c)
	alertID := c.Param("id")
	if err := a.manager.Delete(c.Request.Context(), id.KeyHash, alertID); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "id": alertID})
}

func (a *AlertController) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, alerts.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, alerts.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "alert quota exceeded for your plan"})
	case errors.Is(err, alerts.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	default:
		a.logger.Error().Err(err).Str("path", c.FullPath()).Msg("alerts api failure")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unavailable"})
	}
}
