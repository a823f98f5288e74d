package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"browserd/internal/executor"
	"browserd/internal/utils"
)

// TaskRequest is the body of the task submission routes.
type TaskRequest struct {
	Payload   json.RawMessage `json:"payload" binding:"required"`
	TimeoutMS int64           `json:"timeout_ms" binding:"gte=0"`
}

func (r TaskRequest) timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// TaskView is a task's state and, once finished, its result.
type TaskView struct {
	TaskID string               `json:"task_id"`
	State  executor.State       `json:"state"`
	Result *executor.TaskResult `json:"result,omitempty"`
	Logs   *string              `json:"logs,omitempty"`
}

// StatusForResult maps a task outcome onto an HTTP status.
func StatusForResult(r executor.TaskResult) int {
	if r.Error == nil {
		return http.StatusOK
	}
	switch r.Error.Kind {
	case executor.KindTimeout:
		return http.StatusGatewayTimeout
	case executor.KindHandler:
		return http.StatusUnprocessableEntity
	case executor.KindCrash:
		return http.StatusBadGateway
	default:
		// AcquireTimeout, LaunchError, ContextCreationError and Cancelled
		// all mean the service could not run the task right now.
		return http.StatusServiceUnavailable
	}
}

// RunTask executes a task and replies with its result once it finishes.
func RunTask(c *gin.Context, exec *executor.Executor) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	result := exec.Run(c.Request.Context(), req.Payload, req.timeout())
	c.JSON(StatusForResult(result), result)
}

// SubmitTask queues a task and replies 202 with its id.
func SubmitTask(c *gin.Context, exec *executor.Executor) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	task, err := exec.Submit(c.Request.Context(), req.Payload, req.timeout())
	if err != nil {
		if errors.Is(err, executor.ErrDraining) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service is shutting down"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit task"})
		return
	}

	c.Header("Location", utils.BuildFullURL(c, "/api/v1/tasks/"+task.ID()))
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID()})
}

// GetTask reports a task's state; ?logs=1 includes its log.
func GetTask(c *gin.Context, exec *executor.Executor) {
	task, ok := exec.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	view := TaskView{TaskID: task.ID(), State: task.State()}
	if result, done := task.Result(); done {
		view.Result = &result
		view.State = result.State
	}
	if wantLogs(c) {
		logs := task.Logs()
		view.Logs = &logs
	}
	c.JSON(http.StatusOK, view)
}

func CancelTask(c *gin.Context, exec *executor.Executor) {
	id := c.Param("id")
	if !exec.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "cancelled": true})
}

func wantLogs(c *gin.Context) bool {
	switch c.Query("logs") {
	case "1", "true":
		return true
	}
	return false
}
