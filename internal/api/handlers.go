package api

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/edgeforge/deployd/pkg/deployment"
	"github.com/edgeforge/deployd/pkg/model"
)

// Engine is the slice of the deployment engine the handlers need.
type Engine interface {
	Offer(d *deployment.Deployment) bool
	Cancel(id string) bool
	Status(id string) (model.StatusUpdate, bool)
	List() []model.StatusUpdate
}

// Watcher opens streams of per-deployment status transitions.
type Watcher interface {
	Watch(deploymentID string) chan model.StatusUpdate
	Unwatch(deploymentID string, ch chan model.StatusUpdate)
}

type Server struct {
	engine  Engine
	watcher Watcher
	started time.Time
}

func NewServer(engine Engine, watcher Watcher) *Server {
	return &Server{engine: engine, watcher: watcher, started: time.Now()}
}

const maxDocumentBytes = 1 << 20

// SubmitDeployment accepts a raw deployment document, JSON or YAML,
// and queues it as a local deployment. The id comes from the query
// string, the document's id field, or a fresh UUID, in that order. A
// document with cancel set cancels the named deployment instead.
func (s *Server) SubmitDeployment(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty deployment document"})
		return
	}

	env := deployment.PeekEnvelope(raw)
	id := c.Query("id")
	if id == "" {
		id = env.ID
	}
	if id == "" {
		id = uuid.NewString()
	}

	var d *deployment.Deployment
	if env.Cancel {
		d = deployment.NewCancelMarker(id, deployment.SourceLocal)
	} else {
		d = deployment.New(id, deployment.SourceLocal, raw)
	}
	if !s.engine.Offer(d) {
		c.JSON(http.StatusConflict, gin.H{"error": "deployment already finished or running", "id": id})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": model.StatusQueued})
}

func (s *Server) CancelDeployment(c *gin.Context) {
	id := c.Param("id")
	if !s.engine.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no queued or running deployment " + id})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "canceled": true})
}

func (s *Server) DeploymentStatus(c *gin.Context) {
	id := c.Param("id")
	up, ok := s.engine.Status(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown deployment " + id})
		return
	}
	c.JSON(http.StatusOK, up)
}

func (s *Server) ListDeployments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deployments": s.engine.List()})
}

// WatchDeployment long-polls one deployment: it blocks until the next
// status transition and returns it, or answers 204 when the wait
// budget runs out so the client can re-arm.
func (s *Server) WatchDeployment(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.engine.Status(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown deployment " + id})
		return
	}

	wait := 30 * time.Second
	if q := c.Query("wait"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad wait duration " + q})
			return
		}
		if d > 5*time.Minute {
			d = 5 * time.Minute
		}
		wait = d
	}

	ch := s.watcher.Watch(id)
	defer s.watcher.Unwatch(id, ch)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case up := <-ch:
		c.JSON(http.StatusOK, up)
	case <-timer.C:
		c.Status(http.StatusNoContent)
	case <-c.Request.Context().Done():
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}
