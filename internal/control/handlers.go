package control

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tabrunner/internal/automation"
	"tabrunner/internal/history"
	"tabrunner/internal/timeline"
	logx "tabrunner/pkg/logx"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	automation.Status
	QueueLen      int             `json:"queue_len"`
	Timeline      []timeline.Step `json:"timeline"`
	NextAutoStart *time.Time      `json:"next_auto_start,omitempty"`
}

type queueRequest struct {
	Items []string `json:"items" binding:"required"`
}

func (s *Server) fail(c *gin.Context, status int, msg string, err error) {
	if err != nil && status >= 500 {
		s.log.Warn(msg, logx.String("path", c.FullPath()), logx.Err(err))
	}
	body := gin.H{"error": msg}
	if err != nil && status < 500 {
		body["detail"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) getStatus(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := s.deps.Queue.Len(ctx)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to read queue", err)
		return
	}
	resp := StatusResponse{
		Status:   s.deps.Engine.Status(),
		QueueLen: n,
		Timeline: s.deps.Timeline.Snapshot(),
	}
	if s.deps.NextAutoStart != nil {
		if next := s.deps.NextAutoStart(); !next.IsZero() {
			resp.NextAutoStart = &next
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) postStart(c *gin.Context) {
	var settings *automation.Settings
	if c.Request.ContentLength != 0 {
		var body automation.Settings
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			s.fail(c, http.StatusBadRequest, "invalid settings body", err)
			return
		} else if err == nil {
			settings = &body
		}
	}
	started, err := s.deps.Engine.Start(c.Request.Context(), settings)
	switch {
	case errors.Is(err, automation.ErrInvalidSettings), errors.Is(err, automation.ErrNoProfile):
		s.fail(c, http.StatusBadRequest, "invalid settings", err)
		return
	case errors.Is(err, automation.ErrClosed):
		s.fail(c, http.StatusServiceUnavailable, "shutting down", nil)
		return
	case err != nil:
		s.fail(c, http.StatusInternalServerError, "failed to start", err)
		return
	}
	if !started {
		c.JSON(http.StatusOK, gin.H{"started": false, "reason": "already running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": true, "run": s.deps.Engine.Status().Run})
}

func (s *Server) postStop(c *gin.Context) {
	if err := s.deps.Engine.Stop(c.Request.Context()); err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to stop", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) getQueue(c *gin.Context) {
	items, err := s.deps.Queue.Items(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to read queue", err)
		return
	}
	if items == nil {
		items = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) postQueue(c *gin.Context) {
	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	ctx := c.Request.Context()
	added, err := s.deps.Queue.Append(ctx, req.Items...)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to append", err)
		return
	}
	n, _ := s.deps.Queue.Len(ctx)
	c.JSON(http.StatusCreated, gin.H{"added": added, "len": n})
}

func (s *Server) deleteQueue(c *gin.Context) {
	if err := s.deps.Queue.Clear(c.Request.Context()); err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to clear queue", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteQueueItem takes the rest of the path so URL items (which contain
// slashes once unescaped) can be removed.
func (s *Server) deleteQueueItem(c *gin.Context) {
	item := strings.TrimPrefix(c.Param("item"), "/")
	if item == "" {
		s.fail(c, http.StatusBadRequest, "item required", nil)
		return
	}
	found, err := s.deps.Queue.Remove(c.Request.Context(), item)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to remove item", err)
		return
	}
	if !found {
		s.fail(c, http.StatusNotFound, "item not queued", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.deps.Engine.Settings(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to read settings", err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) putSettings(c *gin.Context) {
	var body automation.Settings
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid settings body", err)
		return
	}
	err := s.deps.Engine.SaveSettings(c.Request.Context(), body)
	switch {
	case errors.Is(err, automation.ErrInvalidSettings), errors.Is(err, automation.ErrNoProfile):
		s.fail(c, http.StatusBadRequest, "invalid settings", err)
		return
	case err != nil:
		s.fail(c, http.StatusInternalServerError, "failed to save settings", err)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(c, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	entries, err := s.deps.History.Search(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to read history", err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) deleteHistory(c *gin.Context) {
	if err := s.deps.History.Clear(c.Request.Context()); err != nil {
		s.fail(c, http.StatusInternalServerError, "failed to clear history", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// getEvents streams bus events. The first event is a status snapshot so a
// fresh client can render without polling.
func (s *Server) getEvents(c *gin.Context) {
	sub := s.deps.Bus.Subscribe(64)
	defer sub.Close()

	ctx := c.Request.Context()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", gin.H{"status": s.deps.Engine.Status(), "timeline": s.deps.Timeline.Snapshot()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
}
