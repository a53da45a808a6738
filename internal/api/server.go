// Package api contains the HTTP handlers for the workflow service REST API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"velocitymesh/backend/internal/auth"
	"velocitymesh/backend/internal/collab"
	"velocitymesh/backend/internal/engine"
	"velocitymesh/backend/internal/repository"
	"velocitymesh/backend/internal/store"
	"velocitymesh/backend/pkg/models"
)

const identityKey = "identity"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Server holds the dependencies for the API server.
type Server struct {
	Workflows *store.WorkflowStore
	Engine    *engine.Engine
	Rooms     *collab.RoomManager
	Repo      repository.PersistenceStore
	Redis     *redis.Client
	Logger    Logger
}

// NewServer creates a new Server.
func NewServer(workflows *store.WorkflowStore, eng *engine.Engine, rooms *collab.RoomManager, repo repository.PersistenceStore, rdb *redis.Client, logger Logger) *Server {
	return &Server{
		Workflows: workflows,
		Engine:    eng,
		Rooms:     rooms,
		Repo:      repo,
		Redis:     rdb,
		Logger:    logger,
	}
}

// Register mounts the REST routes on the echo instance. Routes under
// /api/v1 require a verified bearer token.
func (s *Server) Register(e *echo.Echo, verifier auth.TokenVerifier) {
	e.GET("/healthz", s.Health)

	v1 := e.Group("/api/v1")
	v1.Use(RequireAuth(verifier))

	v1.POST("/workflows", s.CreateWorkflow)
	v1.GET("/workflows", s.ListWorkflows)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.PUT("/workflows/:id", s.UpdateWorkflow)
	v1.DELETE("/workflows/:id", s.ArchiveWorkflow)
	v1.GET("/workflows/:id/changes", s.ListChanges)
	v1.POST("/workflows/:id/execute", s.ExecuteWorkflow)

	v1.GET("/executions", s.ListExecutions)
	v1.GET("/executions/:id", s.GetExecution)
	v1.POST("/executions/:id/cancel", s.CancelExecution)
}

// RequireAuth verifies the bearer token and stores the caller identity in
// the request context.
func RequireAuth(verifier auth.TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return problem(c, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
			}
			identity, err := verifier.Verify(c.Request().Context(), strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				return problem(c, http.StatusUnauthorized, "Unauthorized", "invalid token")
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

func callerIdentity(c echo.Context) *auth.Identity {
	if id, ok := c.Get(identityKey).(*auth.Identity); ok {
		return id
	}
	return &auth.Identity{}
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service"`
	Checks    map[string]string `json:"checks"`
}

// Health reports service health including database and redis connectivity.
func (s *Server) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	status, code := "ok", http.StatusOK

	if err := s.Repo.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
	} else {
		checks["redis"] = "not configured"
	}

	return c.JSON(code, HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Service:   "velocitymesh",
		Checks:    checks,
	})
}

// CreateWorkflow creates a workflow definition
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var def models.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	if def.CreatedBy == "" {
		def.CreatedBy = callerIdentity(c).UserID
	}

	created, err := s.Workflows.Create(ctx, &def)
	if err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// GetWorkflow returns a single workflow definition
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	def, err := s.Workflows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// UpdateWorkflow applies a partial update to a workflow definition
// (PUT /api/v1/workflows/:id)
func (s *Server) UpdateWorkflow(c echo.Context) error {
	var patch store.WorkflowPatch
	if err := c.Bind(&patch); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}

	updated, err := s.Workflows.Update(c.Request().Context(), c.Param("id"), &patch)
	if err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// ArchiveWorkflow archives a workflow, removing it from listings while
// keeping the record
// (DELETE /api/v1/workflows/:id)
func (s *Server) ArchiveWorkflow(c echo.Context) error {
	archived, err := s.Workflows.Archive(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusOK, archived)
}

// ListWorkflows returns all non-archived workflow definitions
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	defs, err := s.Workflows.List(c.Request().Context())
	if err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusOK, defs)
}

// ListChanges returns the recent collaboration change log for a workflow room
// (GET /api/v1/workflows/:id/changes)
func (s *Server) ListChanges(c echo.Context) error {
	events, err := s.Rooms.Changes(c.Request().Context(), c.Param("id"), 0)
	if err != nil {
		s.Logger.Error("change log read failed", "room_id", c.Param("id"), "error", err)
		return problem(c, http.StatusInternalServerError, "Internal error", "failed to read change log")
	}
	if events == nil {
		events = []*models.CollaborationEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

type executeRequest struct {
	Input map[string]any `json:"input"`
}

// ExecuteWorkflow starts an execution of a workflow
// (POST /api/v1/workflows/:id/execute)
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}

	exec, err := s.Engine.Execute(c.Request().Context(), c.Param("id"), req.Input)
	if err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusAccepted, exec)
}

// GetExecution returns a single execution record
// (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	exec, err := s.Engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// ListExecutions returns executions, optionally filtered by workflowId
// (GET /api/v1/executions?workflowId=...)
func (s *Server) ListExecutions(c echo.Context) error {
	execs, err := s.Engine.List(c.Request().Context(), c.QueryParam("workflowId"))
	if err != nil {
		return s.workflowError(c, err)
	}
	if execs == nil {
		execs = []*models.WorkflowExecution{}
	}
	return c.JSON(http.StatusOK, execs)
}

// CancelExecution requests cancellation of a running execution
// (POST /api/v1/executions/:id/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	if err := s.Engine.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return s.workflowError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// workflowError maps domain errors onto HTTP problem responses.
func (s *Server) workflowError(c echo.Context, err error) error {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		return problem(c, http.StatusBadRequest, "Invalid workflow graph", verr.Error())
	case errors.Is(err, repository.ErrNotFound):
		return problem(c, http.StatusNotFound, "Not found", "resource does not exist")
	default:
		s.Logger.Error("request failed", "path", c.Path(), "error", err)
		return problem(c, http.StatusInternalServerError, "Internal error", "request failed")
	}
}

// ProblemDetails represents an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
