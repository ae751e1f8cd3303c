package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		status int
	}{
		{"validation", Validationf("bad cidr %q", "10.0.0.0/99"), KindValidation, http.StatusBadRequest},
		{"auth required", AuthRequiredf("no token"), KindAuthRequired, http.StatusUnauthorized},
		{"permission denied", PermissionDeniedf("user %s", "u1"), KindPermissionDenied, http.StatusForbidden},
		{"not found", NotFoundf("node %s", "n1"), KindNotFound, http.StatusNotFound},
		{"conflict", Conflictf("stale version"), KindConflict, http.StatusConflict},
		{"transient", Transientf("connection refused"), KindTransient, http.StatusServiceUnavailable},
		{"permanent", Permanentf("invalid driver state"), KindPermanent, http.StatusInternalServerError},
		{"foreign error defaults to permanent", errors.New("boom"), KindPermanent, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	base := Conflictf("version 3 is stale")
	wrapped := fmt.Errorf("updating node: %w", base)

	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrapf(ErrTransient, cause, "writing state file")

	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "writing state file")
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, "PermissionDeniedException", TypeOf(PermissionDeniedf("no")))
	assert.Equal(t, "ValidationException", TypeOf(Validationf("bad")))
	assert.Equal(t, "PermanentException", TypeOf(errors.New("anything")))
}

func TestFromHTTPStatusRoundTrip(t *testing.T) {
	for _, err := range []error{
		Validationf("v"),
		AuthRequiredf("a"),
		PermissionDeniedf("p"),
		NotFoundf("n"),
		Conflictf("c"),
		Transientf("t"),
	} {
		back := FromHTTPStatus(HTTPStatus(err), err.Error())
		assert.Equal(t, KindOf(err), KindOf(back), "kind must survive the wire for %v", err)
	}
}
