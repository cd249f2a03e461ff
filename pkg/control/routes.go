package control

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/core-tools/memstack/pkg/domain"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

const (
	PathHealth    = "/health"
	PathStatus    = "/api/v1/status"
	PathProcesses = "/api/v1/processes"
	PathHistory   = "/api/v1/history"
	PathShutdown  = "/api/v1/shutdown"
)

type httpHandler struct {
	contract domain.Contract
	logger   logging.Logger
}

func registerRoutes(engine *gin.Engine, h *httpHandler) {
	engine.GET(PathHealth, h.health)

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/status", h.status)
		v1.GET("/history", h.history)
		v1.POST("/shutdown", h.shutdown)

		processes := v1.Group("/processes")
		processes.POST("/start", h.startAll)
		processes.POST("/stop", h.stopAll)
		processes.POST("/:name/start", h.startProcess)
		processes.POST("/:name/stop", h.stopProcess)
		processes.POST("/:name/restart", h.restartProcess)
		processes.DELETE("/:name", h.deleteProcess)
		processes.GET("/:name/logs", h.logs)
	}
}

func (h *httpHandler) health(c *gin.Context) {
	health, err := h.contract.Health(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	code := http.StatusOK
	if !health.Serving() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

func (h *httpHandler) status(c *gin.Context) {
	status, err := h.contract.Status(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) startProcess(c *gin.Context) {
	h.respond(c, h.contract.StartProcess(c.Request.Context(), c.Param("name")))
}

func (h *httpHandler) stopProcess(c *gin.Context) {
	h.respond(c, h.contract.StopProcess(c.Request.Context(), c.Param("name")))
}

func (h *httpHandler) restartProcess(c *gin.Context) {
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
	h.respond(c, h.contract.RestartProcess(c.Request.Context(), c.Param("name"), force))
}

func (h *httpHandler) deleteProcess(c *gin.Context) {
	h.respond(c, h.contract.DeleteProcess(c.Request.Context(), c.Param("name")))
}

func (h *httpHandler) startAll(c *gin.Context) {
	h.respond(c, h.contract.StartAll(c.Request.Context()))
}

func (h *httpHandler) stopAll(c *gin.Context) {
	h.respond(c, h.contract.StopAll(c.Request.Context()))
}

func (h *httpHandler) shutdown(c *gin.Context) {
	if err := h.contract.Shutdown(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting_down"})
}

func (h *httpHandler) logs(c *gin.Context) {
	lines, err := queryInt(c, "lines")
	if err != nil {
		h.fail(c, err)
		return
	}
	response, err := h.contract.Logs(c.Request.Context(), domain.LogsRequest{
		Name:   c.Param("name"),
		Stream: c.DefaultQuery("stream", "out"),
		Lines:  lines,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) history(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	entries, err := h.contract.History(c.Request.Context(), domain.HistoryRequest{
		Subject: c.Query("subject"),
		Kind:    c.Query("kind"),
		Limit:   limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *httpHandler) respond(c *gin.Context, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) fail(c *gin.Context, err error) {
	code := StatusCodeFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Errorf("Control API request failed, path: %s, error: %v", c.Request.URL.Path, err)
	} else {
		h.logger.Debugf("Control API request rejected, path: %s, error: %v", c.Request.URL.Path, err)
	}

	response := domain.ErrorResponse{Error: err.Error(), Type: string(errors.TypeOf(err))}
	c.AbortWithStatusJSON(code, response)
}

// StatusCodeFor maps a domain error to its HTTP status
func StatusCodeFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.IsValidationError(err):
		return http.StatusBadRequest
	case errors.IsPermissionError(err):
		return http.StatusForbidden
	case errors.IsTimeoutError(err):
		return http.StatusGatewayTimeout
	case errors.IsCancelledError(err):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.NewValidationError(key+" must be a non-negative integer", err).WithContext(key, raw)
	}
	return value, nil
}
