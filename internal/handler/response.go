package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
)

type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(code apperrors.ErrorCode, message string) *Response {
	return &Response{
		Status: "error",
		Error:  &ErrorBody{Code: code, Message: message},
	}
}

// RespondError writes err as the error envelope and records it on the context for logging.
// Errors that are not AppErrors are reported as internal without detail.
func RespondError(c *gin.Context, err error) {
	_ = c.Error(err)
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal(err)
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus(), NewErrorResponse(appErr.Code, appErr.Message))
}

// BindError turns a request decoding failure into a validation error
func BindError(err error) error {
	if errors.Is(err, io.EOF) {
		return apperrors.Validation("request body is required", err)
	}
	return apperrors.Validation("invalid request body: "+err.Error(), err)
}

// UUIDParam parses the named path parameter
func UUIDParam(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperrors.Validation("invalid "+name, err)
	}
	return id, nil
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, NewSuccessResponse(data))
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, NewSuccessResponse(data))
}
