package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// Response 统一的响应包装
type Response struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListData 列表响应
type ListData struct {
	Rows  interface{} `json:"rows"`
	Total int         `json:"total"`
}

// FieldError 参数校验失败的字段
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

var validate = validator.New()

func dataResponse(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Response{Status: status, Message: http.StatusText(status), Data: data})
}

func success(c echo.Context, data interface{}) error {
	return dataResponse(c, http.StatusOK, data)
}

func list(c echo.Context, rows interface{}, total int) error {
	return success(c, ListData{Rows: rows, Total: total})
}

func badRequest(c echo.Context, errs []FieldError) error {
	return dataResponse(c, http.StatusBadRequest, errs)
}

// bindQuery 绑定参数、填充默认值并校验
func bindQuery(c echo.Context, req interface{}) []FieldError {
	if err := c.Bind(req); err != nil {
		return fieldErrors(err)
	}
	if err := defaults.Set(req); err != nil {
		return fieldErrors(err)
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		return fieldErrors(err)
	}
	return nil
}

func fieldErrors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]FieldError, 0, len(verrs))
		for _, e := range verrs {
			out = append(out, FieldError{
				Code:    "ERR_" + strings.ToUpper(e.Tag()),
				Field:   e.Field(),
				Message: fmt.Sprintf("%s failed on %s %s", e.Field(), e.Tag(), e.Param()),
			})
		}
		return out
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return []FieldError{{Code: "ERR_BIND", Message: fmt.Sprintf("%v", he.Message)}}
	}
	return []FieldError{{Code: "ERR_UNKNOWN", Message: err.Error()}}
}
