package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wayfarer-labs/relay/internal/core"
)

// registerRoutes sets up all read-only inspection routes.
func registerRoutes(router *gin.Engine, c *core.Core) {
	router.GET("/status", handleStatus(c))
	router.GET("/sessions", handleSessions(c))
	router.GET("/queue", handleQueue(c))
	router.GET("/history/:name", handleHistory(c))
}

func handleStatus(c *core.Core) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		sessions := c.Sessions.List()
		jobs := c.Queue.Snapshot()
		ctx.JSON(http.StatusOK, gin.H{
			"sessions": len(sessions),
			"jobs":     len(jobs),
			"default":  c.Sessions.DefaultName(),
		})
	}
}

func handleSessions(c *core.Core) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		out := make([]gin.H, 0)
		for _, s := range c.Sessions.List() {
			out = append(out, gin.H{
				"name":             s.Name,
				"state":            s.State.String(),
				"workdir":          s.Workdir,
				"last_activity_at": s.LastActivityAt,
				"age_seconds":      s.Age.Seconds(),
			})
		}
		ctx.JSON(http.StatusOK, out)
	}
}

func handleQueue(c *core.Core) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		out := make([]gin.H, 0)
		for _, j := range c.Queue.Snapshot() {
			out = append(out, gin.H{
				"id":           j.ID,
				"chat_id":      j.ChatID,
				"status":       j.Status.String(),
				"session_name": j.SessionName,
				"position":     j.Position,
				"enqueued_at":  j.EnqueuedAt,
				"started_at":   j.StartedAt,
				"finished_at":  j.FinishedAt,
			})
		}
		ctx.JSON(http.StatusOK, out)
	}
}

func handleHistory(c *core.Core) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		name := ctx.Param("name")
		n := 20
		if q := ctx.Query("n"); q != "" {
			if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 {
				n = parsed
			}
		}
		entries := c.History.Recent(name, n)
		out := make([]gin.H, 0, len(entries))
		for _, e := range entries {
			out = append(out, gin.H{
				"seq":       e.Seq,
				"direction": e.Direction,
				"text":      e.Text,
				"ts":        e.TS,
			})
		}
		ctx.JSON(http.StatusOK, out)
	}
}
