package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"browserd/internal/profiles"
)

func ListProfiles(c *gin.Context, svc *profiles.Service) {
	list, err := svc.Store().List(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list profiles", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list profiles"})
		return
	}
	if list == nil {
		list = []profiles.Summary{}
	}
	c.JSON(http.StatusOK, list)
}

// SearchProfiles matches ?query= against names and headlines.
func SearchProfiles(c *gin.Context, svc *profiles.Service) {
	list, err := svc.Store().Search(c.Request.Context(), c.Query("query"))
	if err != nil {
		slog.Error("Failed to search profiles", "query", c.Query("query"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to search profiles"})
		return
	}
	if list == nil {
		list = []profiles.Summary{}
	}
	c.JSON(http.StatusOK, list)
}

func GetProfile(c *gin.Context, svc *profiles.Service) {
	doc, err := svc.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, profiles.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Profile not found"})
			return
		}
		slog.Error("Failed to load profile", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load profile"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
}

// ScrapeProfile queues a scrape and replies 202 with the task and profile ids.
func ScrapeProfile(c *gin.Context, svc *profiles.Service) {
	var req profiles.ScrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	taskID, profileID, err := svc.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, profiles.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to queue scrape", "url", req.URL, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue scrape"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "profile_id": profileID})
}

// ScrapeTaskStatus reports a scrape task; ?logs=1 includes its log.
func ScrapeTaskStatus(c *gin.Context, svc *profiles.Service) {
	status, err := svc.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, profiles.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Task not found"})
			return
		}
		slog.Error("Failed to load task", "task_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load task"})
		return
	}

	if wantLogs(c) {
		c.JSON(http.StatusOK, gin.H{
			"status":     status.Status,
			"profile_id": status.ProfileID,
			"error":      status.Error,
			"logs":       status.Logs,
		})
		return
	}
	c.JSON(http.StatusOK, status)
}
