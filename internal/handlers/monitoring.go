package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"browserd/internal/monitoring"
	"browserd/internal/pool"
	"browserd/internal/utils"
)

// Pinger is a database the health check can reach.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheckHandler checks the health of the application: the pool must
// have a usable instance and the database, when configured, must answer.
func HealthCheckHandler(p *pool.Pool, db Pinger, socks *utils.SOCKSHealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "no usable browser instance"})
			return
		}
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database connection failed"})
				return
			}
		}

		response := gin.H{"status": "healthy"}
		if socks != nil && socks.Enabled() {
			response["socks_proxy"] = socks.GetStatus()
		}
		c.JSON(http.StatusOK, response)
	}
}

// BrowserMetricsHandler serves browser monitoring metrics.
func BrowserMetricsHandler(monitor *monitoring.BrowserMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, monitor.GetMetrics())
	}
}

// BrowserStatusHandler provides a detailed status including leak detection.
func BrowserStatusHandler(monitor *monitoring.BrowserMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics := monitor.GetMetrics()

		status := "healthy"
		if metrics.LeakDetected {
			status = "leak_detected"
		}

		response := gin.H{
			"status":                  status,
			"chrome_process_count":    metrics.ChromeProcessCount,
			"total_goroutines":        metrics.TotalGoroutines,
			"launch_shutdown_balance": metrics.BrowserLaunches - metrics.BrowserShutdowns,
			"context_balance":         metrics.ContextsCreated - metrics.ContextsClosed,
			"leak_detected":           metrics.LeakDetected,
			"leak_reason":             metrics.LeakReason,
			"last_updated":            metrics.LastUpdated,
		}

		if metrics.LeakDetected {
			c.JSON(http.StatusServiceUnavailable, response)
		} else {
			c.JSON(http.StatusOK, response)
		}
	}
}
