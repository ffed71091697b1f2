package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/shopboxhq/shopbox/internal/auth"
	"github.com/shopboxhq/shopbox/internal/sandbox"
	"github.com/shopboxhq/shopbox/pkg/types"
)

const defaultLogTail = 200

func (s *Server) createInstance(c echo.Context) error {
	var req types.CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	inst, err := s.provisioner.Create(c.Request().Context(), auth.OwnerID(c), req.Env)
	if err != nil {
		return instanceError(c, err)
	}
	return c.JSON(http.StatusCreated, inst)
}

func (s *Server) listInstances(c echo.Context) error {
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active"))

	instances, err := s.provisioner.List(c.Request().Context(), auth.OwnerID(c), activeOnly)
	if err != nil {
		return instanceError(c, err)
	}
	if instances == nil {
		instances = []types.Instance{}
	}
	return c.JSON(http.StatusOK, types.InstanceListResponse{Instances: instances})
}

func (s *Server) getInstance(c echo.Context) error {
	inst, err := s.provisioner.Get(c.Request().Context(), c.Param("id"), auth.OwnerID(c))
	if err != nil {
		return instanceError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) deleteInstance(c echo.Context) error {
	if err := s.provisioner.Delete(c.Request().Context(), c.Param("id"), auth.OwnerID(c)); err != nil {
		return instanceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getInstanceLogs(c echo.Context) error {
	tail := defaultLogTail
	if v := c.QueryParam("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid tail parameter"})
		}
		tail = n
	}

	id := c.Param("id")
	logs, err := s.provisioner.Logs(c.Request().Context(), id, auth.OwnerID(c), tail)
	if err != nil {
		return instanceError(c, err)
	}
	return c.JSON(http.StatusOK, types.LogsResponse{InstanceID: id, Logs: logs})
}

// instanceError maps provisioning errors onto HTTP statuses: exhausted
// capacity is 503 (retry later), unknown or foreign instances are 404, and
// unresolved runtime conflicts are 409.
func instanceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, sandbox.ErrNoCapacity):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "no capacity available, try again later"})
	case errors.Is(err, sandbox.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	case errors.Is(err, sandbox.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": "provisioning conflict, try again"})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
