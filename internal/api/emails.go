package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/modfin/brevq"
)

func (s *Server) schedule(c echo.Context) error {
	var req brevq.BulkRequest
	err := c.Bind(&req)
	if err != nil {
		return bindError(err)
	}

	res, err := s.sched.ScheduleBulk(c.Request().Context(), userID(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response{Data: res, Message: "Emails scheduled successfully"})
}

func (s *Server) scheduled(c echo.Context) error {
	messages, err := s.db.ListScheduled(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response{Data: messages})
}

func (s *Server) sent(c echo.Context) error {
	messages, err := s.db.ListSent(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response{Data: messages})
}

// bindError names the offending field when the decoder tells us which one it was.
func bindError(err error) error {
	var pe *time.ParseError
	if errors.As(err, &pe) {
		return &brevq.ValidationError{Field: "startTime", Reason: fmt.Sprintf("%q is not an RFC 3339 time", pe.Value)}
	}
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) && ute.Field != "" {
		return &brevq.ValidationError{Field: ute.Field, Reason: fmt.Sprintf("expected %s, got %s", ute.Type, ute.Value)}
	}
	return echo.NewHTTPError(http.StatusBadRequest, "could not read request body")
}
