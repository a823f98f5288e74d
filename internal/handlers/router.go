package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"browserd/internal/executor"
	"browserd/internal/monitoring"
	"browserd/internal/profiles"
	"browserd/internal/proxy"
	"browserd/internal/storage"
	"browserd/internal/utils"
)

// Deps are the services the routes are served from. Artifacts, Profiles,
// DB, SOCKS and Relay are optional.
type Deps struct {
	Executor     *executor.Executor
	Monitor      *monitoring.BrowserMonitor
	Artifacts    storage.Storage
	Profiles     *profiles.Service
	DB           Pinger
	SOCKS        *utils.SOCKSHealthChecker
	Relay        *proxy.Relay
	APIKeyHashes []string
}

// NewRouter registers every route on a new gin engine.
func NewRouter(d Deps) *gin.Engine {
	r := gin.Default()

	exec := d.Executor
	auth := RequireAPIKey(d.APIKeyHashes)

	r.GET("/health", HealthCheckHandler(exec.Pool(), d.DB, d.SOCKS))

	api := r.Group("/api/v1", auth)
	api.POST("/tasks/run", func(c *gin.Context) { RunTask(c, exec) })
	api.POST("/tasks", func(c *gin.Context) { SubmitTask(c, exec) })
	api.GET("/tasks/:id", func(c *gin.Context) { GetTask(c, exec) })
	api.DELETE("/tasks/:id", func(c *gin.Context) { CancelTask(c, exec) })
	if d.Artifacts != nil {
		api.GET("/artifacts/*key", func(c *gin.Context) { ServeArtifact(c, d.Artifacts) })
	}

	if svc := d.Profiles; svc != nil {
		r.GET("/profiles", func(c *gin.Context) { ListProfiles(c, svc) })
		r.GET("/profiles/search", func(c *gin.Context) { SearchProfiles(c, svc) })
		r.GET("/profiles/:id", func(c *gin.Context) { GetProfile(c, svc) })
		r.POST("/profiles/scrape", auth, func(c *gin.Context) { ScrapeProfile(c, svc) })
		r.GET("/tasks/:id", func(c *gin.Context) { ScrapeTaskStatus(c, svc) })
	}

	admin := r.Group("/admin", auth)
	admin.GET("/pool", func(c *gin.Context) { PoolStats(c, exec) })
	admin.PUT("/pool/size", func(c *gin.Context) { ResizePool(c, exec.Pool()) })
	if d.Monitor != nil {
		admin.GET("/browser/metrics", BrowserMetricsHandler(d.Monitor))
		admin.GET("/browser/status", BrowserStatusHandler(d.Monitor))
	}
	if relay := d.Relay; relay != nil {
		admin.GET("/proxy", func(c *gin.Context) { c.JSON(http.StatusOK, relay.Stats()) })
	}

	return r
}
