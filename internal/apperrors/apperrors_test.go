package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesKind(t *testing.T) {
	err := fmt.Errorf("update: %w", NotFound("Shipment not found"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, &Error{Kind: KindNotFound, Msg: "Shipment not found"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNotFound, Msg: "Rate not found."}))
}

func TestStorage_HidesCause(t *testing.T) {
	cause := errors.New("pq: connection refused")
	err := Storage("list shipments", cause)

	assert.Equal(t, KindStorage, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal error, please retry later", Message(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindOf_UnknownIsStorage(t *testing.T) {
	assert.Equal(t, KindStorage, KindOf(errors.New("boom")))
	assert.Equal(t, "internal error, please retry later", Message(errors.New("boom")))
}

func TestIsAuthorization(t *testing.T) {
	assert.True(t, IsAuthorization(Unauthorized("no credentials")))
	assert.True(t, IsAuthorization(Forbidden("admins only")))
	assert.False(t, IsAuthorization(Validation("bad")))
	assert.False(t, IsAuthorization(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindUnauthorized))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindForbidden))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindConflict))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindStorage))
}
