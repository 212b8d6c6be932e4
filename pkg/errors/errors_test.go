package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrValidation:     http.StatusBadRequest,
		ErrAuthentication: http.StatusUnauthorized,
		ErrForbidden:      http.StatusForbidden,
		ErrNotFound:       http.StatusNotFound,
		ErrConflict:       http.StatusConflict,
		ErrGateway:        http.StatusPaymentRequired,
		ErrDependency:     http.StatusServiceUnavailable,
		ErrInternal:       http.StatusInternalServerError,
	}
	for code, status := range cases {
		err := &AppError{Code: code, Message: "x"}
		assert.Equal(t, status, err.HTTPStatus(), code)
	}
}

func TestCodeOfWrapped(t *testing.T) {
	base := stderrors.New("connection refused")
	err := fmt.Errorf("failed to load case: %w", Dependency("case store", base))

	assert.Equal(t, ErrDependency, CodeOf(err))
	assert.True(t, IsCode(err, ErrDependency))
	assert.True(t, stderrors.Is(err, base))
	assert.Equal(t, ErrInternal, CodeOf(base))
	assert.False(t, IsCode(nil, ErrInternal))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "case not found", NotFound("case", nil).Error())
	assert.Equal(t, "account access unavailable: boom", Dependency("account access", stderrors.New("boom")).Error())
}
