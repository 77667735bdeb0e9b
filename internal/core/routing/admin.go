package routing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// AdminAPI 路由定义的管理接口，写操作成功后立即刷新路由快照
type AdminAPI struct {
	repo    route.Repository
	locator *RouteLocator
}

func NewAdminAPI(repo route.Repository, locator *RouteLocator) *AdminAPI {
	return &AdminAPI{repo: repo, locator: locator}
}

// Register 挂载到 group 下：GET /routes, GET/POST/PUT/DELETE /routes/:id, POST /refresh
func (a *AdminAPI) Register(group gin.IRouter) {
	group.GET("/routes", a.handleList)
	group.GET("/routes/:id", a.handleGet)
	group.POST("/routes", a.handleSave)
	group.POST("/routes/:id", a.handleSave)
	group.PUT("/routes/:id", a.handleSave)
	group.DELETE("/routes/:id", a.handleDelete)
	group.POST("/refresh", a.handleRefresh)
}

func (a *AdminAPI) handleList(c *gin.Context) {
	defs, err := a.repo.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (a *AdminAPI) handleGet(c *gin.Context) {
	defs, err := a.repo.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	id := c.Param("id")
	def, ok := lo.Find(defs, func(d route.RouteDefinition) bool { return d.ID == id })
	if !ok {
		renderError(c, gwerr.NotFound(http.StatusNotFound, "RouteDefinition not found: %s", id))
		return
	}
	c.JSON(http.StatusOK, def)
}

// handleSave 路径中的 id 优先于请求体中的 id
func (a *AdminAPI) handleSave(c *gin.Context) {
	var def route.RouteDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	if id := c.Param("id"); id != "" {
		def.ID = id
	}
	if err := a.repo.Save(c.Request.Context(), def); err != nil {
		renderError(c, err)
		return
	}
	a.refresh(c)
	logger.Info("Route saved", zap.String("route", def.ID), zap.String("uri", def.URI))
	c.JSON(http.StatusOK, def)
}

func (a *AdminAPI) handleDelete(c *gin.Context) {
	id := c.Param("id")
	if err := a.repo.Delete(c.Request.Context(), id); err != nil {
		renderError(c, err)
		return
	}
	a.refresh(c)
	logger.Info("Route deleted", zap.String("route", id))
	c.Status(http.StatusOK)
}

func (a *AdminAPI) handleRefresh(c *gin.Context) {
	if err := a.locator.Refresh(c.Request.Context()); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"routes": len(a.locator.Routes())})
}

func (a *AdminAPI) refresh(c *gin.Context) {
	if err := a.locator.Refresh(c.Request.Context()); err != nil {
		logger.Error("Failed to refresh routes after update", zap.Error(err))
	}
}

func renderError(c *gin.Context, err error) {
	status := gwerr.StatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Admin request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, errorResponse(err))
}
