package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = Validation("sample_invalid", "sample invalid", nil)

func TestIs_MatchesKindAndCode(t *testing.T) {
	err := fmt.Errorf("create: %w", errSample.WithField("amount", "must be positive"))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, errSample))
	assert.False(t, errors.Is(err, ErrStateConflict))
	assert.False(t, errors.Is(err, Validation("other_code", "other", nil)))
}

func TestWrap_KeepsIdentityAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := Conflict("busy", "busy").Wrap(cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrStateConflict))
	assert.Equal(t, "busy: boom", err.Error())
}

func TestWithField_DoesNotMutateOriginal(t *testing.T) {
	a := errSample.WithField("a", "x")
	b := a.WithField("b", "y")

	assert.Nil(t, errSample.Fields)
	assert.Len(t, a.Fields, 1)
	assert.Len(t, b.Fields, 2)
	assert.Equal(t, map[string]string{"a": "x", "b": "y"}, FieldsOf(fmt.Errorf("w: %w", b)))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{New(KindAuthorization, "x", "x"), http.StatusForbidden},
		{fmt.Errorf("wrap: %w", ErrStateConflict), http.StatusConflict},
		{ErrProvider, http.StatusBadGateway},
		{ErrNotFound, http.StatusNotFound},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "sample_invalid", CodeOf(errSample))
	assert.Equal(t, "not_found", CodeOf(ErrNotFound))
	assert.Equal(t, "internal_error", CodeOf(errors.New("x")))
}

type ownStatus struct{}

func (ownStatus) Error() string { return "upstream" }
func (ownStatus) HTTPStatus() int { return http.StatusServiceUnavailable }
func (ownStatus) ErrorCode() string { return "upstream_pending" }

func TestHTTPStatus_ErrorsChooseTheirOwn(t *testing.T) {
	err := fmt.Errorf("release: %w", ownStatus{})
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
	assert.Equal(t, "upstream_pending", CodeOf(err))
}
