package sweeper

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes a manual sweep trigger for cron and operators. The
// route is mounted behind the admin secret middleware.
type Handler struct {
	sweeper *Sweeper
	timer   *Timer
}

func NewHandler(sweeper *Sweeper, timer *Timer) *Handler {
	return &Handler{sweeper: sweeper, timer: timer}
}

// RegisterRoutes mounts the sweep endpoints on g.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/sweep", h.trigger)
	g.GET("/sweep/status", h.status)
}

func (h *Handler) trigger(c *gin.Context) {
	res := h.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (h *Handler) status(c *gin.Context) {
	running := h.timer != nil && h.timer.Running()
	c.JSON(http.StatusOK, gin.H{"timerRunning": running})
}
