package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/cuemby/vim/pkg/executor"
	"github.com/cuemby/vim/pkg/strategy"
	"github.com/gin-gonic/gin"
)

// Orchestrator is the strategy lifecycle served by the orchestration API
type Orchestrator interface {
	Create(kind strategy.Kind, intent strategy.Intent) (*strategy.Strategy, error)
	Get(kind strategy.Kind) (*strategy.Strategy, error)
	Current() (*strategy.Strategy, error)
	Apply(kind strategy.Kind, stage *int) (*strategy.Strategy, error)
	Abort(kind strategy.Kind) (*strategy.Strategy, error)
	Delete(kind strategy.Kind, force bool) error
	History() ([]strategy.Summary, error)
}

// Action names a strategy action
type Action string

const (
	ActionApply Action = "apply"
	ActionAbort Action = "abort"
)

// ActionRequest is the body of POST .../strategy/actions
type ActionRequest struct {
	Action  Action `json:"action" binding:"required,oneof=apply abort"`
	StageID *int   `json:"stage-id,omitempty" binding:"omitempty,min=0"`
}

// StrategyResponse wraps a strategy
type StrategyResponse struct {
	Strategy *strategy.Strategy `json:"strategy"`
}

// HistoryResponse lists archived strategies, oldest first
type HistoryResponse struct {
	Strategies []strategy.Summary `json:"strategies"`
}

func (s *Server) registerOrchestration(rg *gin.RouterGroup) {
	orch := rg.Group("/api/orchestration")
	{
		orch.GET("/history", s.handleHistory)

		kind := orch.Group("/:kind", s.requireKind)
		kind.POST("/strategy", s.handleCreate)
		kind.GET("/strategy", s.handleGet)
		kind.DELETE("/strategy", s.handleDelete)
		kind.POST("/strategy/actions", s.handleAction)
	}
}

// requireKind parses the :kind parameter into the request context
func (s *Server) requireKind(c *gin.Context) {
	kind, err := strategy.ParseKind(c.Param("kind"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Set("kind", kind)
	c.Next()
}

func kindOf(c *gin.Context) strategy.Kind {
	return c.MustGet("kind").(strategy.Kind)
}

func (s *Server) handleCreate(c *gin.Context) {
	var intent strategy.Intent
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&intent); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	created, err := s.orch.Create(kindOf(c), intent)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StrategyResponse{Strategy: created})
}

func (s *Server) handleGet(c *gin.Context) {
	current, err := s.orch.Get(kindOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StrategyResponse{Strategy: current})
}

func (s *Server) handleDelete(c *gin.Context) {
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err := s.orch.Delete(kindOf(c), force); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var updated *strategy.Strategy
	var err error
	switch req.Action {
	case ActionApply:
		updated, err = s.orch.Apply(kindOf(c), req.StageID)
	case ActionAbort:
		updated, err = s.orch.Abort(kindOf(c))
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StrategyResponse{Strategy: updated})
}

func (s *Server) handleHistory(c *gin.Context) {
	history, err := s.orch.History()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Strategies: history})
}

// fail maps engine errors onto status codes
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, strategy.ErrInvalidIntent):
		code = http.StatusBadRequest
	case errors.Is(err, executor.ErrNoStrategy):
		code = http.StatusNotFound
	case errors.Is(err, executor.ErrStrategyExists), errors.Is(err, executor.ErrInvalidAction):
		code = http.StatusConflict
	case errors.Is(err, executor.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
