package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"browserd/internal/executor"
	"browserd/internal/pool"
)

// PoolStats reports the pool snapshot alongside task counts by state.
func PoolStats(c *gin.Context, exec *executor.Executor) {
	c.JSON(http.StatusOK, gin.H{
		"pool":     exec.Pool().Stats(),
		"tasks":    exec.Stats(),
		"draining": exec.Draining(),
	})
}

type resizeRequest struct {
	MaxContexts int `json:"max_contexts" binding:"required,gt=0"`
}

// ResizePool changes the pool's maximum number of contexts.
func ResizePool(c *gin.Context, p *pool.Pool) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if err := p.Resize(req.MaxContexts); err != nil {
		if errors.Is(err, pool.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Pool is closed"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p.Stats())
}
