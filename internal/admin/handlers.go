package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/midswap/midswap/internal/health"
	"github.com/midswap/midswap/internal/offerlock"
	"github.com/midswap/midswap/internal/store"
	"github.com/midswap/midswap/internal/validation"
)

// Handler exposes the admin operations over HTTP. Routes are mounted
// behind SecretMiddleware by the server.
type Handler struct {
	svc    *Service
	checks *health.Registry
}

func NewHandler(svc *Service, checks *health.Registry) *Handler {
	return &Handler{svc: svc, checks: checks}
}

// RegisterRoutes mounts the admin endpoints on g.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/offers/:id/release", validation.OfferIDParamMiddleware(), h.forceRelease)
	g.POST("/orphans/return", h.returnOrphan)
	g.GET("/txlog", h.txLogs)
	g.GET("/health", h.health)
}

func (h *Handler) forceRelease(c *gin.Context) {
	offer, err := h.svc.ForceRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

type returnOrphanRequest struct {
	Mint      string `json:"mint" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
}

func (h *Handler) returnOrphan(c *gin.Context) {
	var req returnOrphanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !validation.IsValidAddress(req.Mint) || !validation.IsValidAddress(req.Recipient) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mint and recipient must be valid addresses"})
		return
	}

	sig, err := h.svc.ReturnOrphan(c.Request.Context(), req.Mint, req.Recipient)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txSignature": sig})
}

func (h *Handler) txLogs(c *gin.Context) {
	offerID := c.Query("offer")
	if offerID != "" && !validation.IsValidOfferID(offerID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offer ID"})
		return
	}
	logs, err := h.svc.TxLogs(c.Request.Context(), offerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *Handler) health(c *gin.Context) {
	healthy, statuses := h.checks.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrOfferNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrReleaseNotAllowed),
		errors.Is(err, ErrNotOrphan),
		errors.Is(err, offerlock.ErrLockHeld):
		status = http.StatusConflict
	case errors.Is(err, ErrNotInEscrow),
		errors.Is(err, ErrUnsupportedKind):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
