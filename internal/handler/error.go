package handler

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Message string `json:"message"`
}

func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	switch e := err.(type) {
	case *echo.HTTPError:
		if e.Internal != nil {
			c.Logger().Errorf(
				"handler internal error %s [%d]: %+v\n",
				c.Request().URL.Path, e.Code, e.Internal,
			)
		}
		message, ok := e.Message.(string)
		if !ok {
			message = http.StatusText(e.Code)
		}
		if err := c.JSON(e.Code, errorResponse{Message: message}); err != nil {
			log.Printf("err returning json: %+v\n", err)
		}
	default:
		c.Logger().Errorf("handler error: %+v\n", e)
		if err := c.JSON(
			http.StatusInternalServerError,
			errorResponse{Message: "something went terribly wrong"},
		); err != nil {
			log.Printf("err returning json: %+v\n", err)
		}
	}
}

func newError(err error, status int, message string) error {
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}
