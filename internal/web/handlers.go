package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conveyorci/conveyor/internal/approval"
	"github.com/conveyorci/conveyor/internal/classify"
	"github.com/conveyorci/conveyor/internal/db"
	"github.com/conveyorci/conveyor/internal/orchestrator"
	"github.com/conveyorci/conveyor/internal/run"
)

// TriggerRequest is the intake payload for a change.
type TriggerRequest struct {
	SourceRef string               `json:"source_ref" binding:"required"`
	Commit    string               `json:"commit" binding:"required"`
	Diff      []classify.FileDelta `json:"diff"`
	Labels    []string             `json:"labels"`
}

// DecisionRequest settles an approval request.
type DecisionRequest struct {
	Decision  string `json:"decision" binding:"required"`
	DecidedBy string `json:"decided_by" binding:"required"`
}

// RunDetail is a run with its audit trail.
type RunDetail struct {
	run.Run
	Events    []db.RunEvent      `json:"events,omitempty"`
	Approvals []db.ApprovalEvent `json:"approvals,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleTrigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, created, err := s.driver.Trigger(run.ChangeRequest{
		SourceRef:    req.SourceRef,
		Commit:       req.Commit,
		Diff:         req.Diff,
		AuthorLabels: req.Labels,
		SubmittedAt:  time.Now().UTC(),
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrInvalidChange) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusAccepted
	if !created {
		// Retrigger of a known change: point at the existing run.
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"run_id": r.ID, "created": created, "state": r.State})
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.store.List(run.State(c.Query("state")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	r, err := s.store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	detail := RunDetail{Run: *r}
	if s.db != nil {
		detail.Events, _ = s.db.RunHistory(r.ID)
		detail.Approvals, _ = s.db.ApprovalHistory(r.ID)
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	id := c.Param("id")
	if err := s.orc.Cancel(id); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "cancelled": true})
}

func (s *Server) handleListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approvals": s.gate.List()})
}

func (s *Server) handleDecide(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	err := s.gate.Decide(id, approval.Decision(req.Decision), req.DecidedBy, time.Now())
	switch {
	case err == nil:
	case errors.Is(err, approval.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, approval.ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The orchestrator waiting on this request records the settlement.
	settled, _ := s.gate.Get(id)
	c.JSON(http.StatusOK, settled)
}

func (s *Server) handleListEnvironments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"environments": s.envs.List()})
}

func (s *Server) handleUnfreeze(c *gin.Context) {
	name := c.Param("name")
	if err := s.envs.Unfreeze(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"environment": name, "frozen": false})
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"artifacts": s.artifacts.List()})
}
