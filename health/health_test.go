package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerReturns200WithNoChecks(t *testing.T) {
	r := NewRegistry()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestHandlerReturns503OnFailingCheck(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("database", func() error {
		return errors.New("connection refused")
	})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestStatusUpdaterFlips(t *testing.T) {
	r := NewRegistry()
	u := NewStatusUpdater()
	r.Register("upstream", u)

	assert.Empty(t, r.CheckStatus())

	u.Update(errors.New("down"))
	assert.Equal(t, map[string]string{"upstream": "down"}, r.CheckStatus())

	u.Update(nil)
	assert.Empty(t, r.CheckStatus())
}

func TestThresholdUpdater(t *testing.T) {
	u := NewThresholdStatusUpdater(3)

	// Healthy until the threshold is reached.
	for i := 0; i < 2; i++ {
		u.Update(errors.New("blip"))
		assert.NoError(t, u.Check())
	}
	u.Update(errors.New("blip"))
	assert.Error(t, u.Check())

	// One success resets the streak.
	u.Update(nil)
	assert.NoError(t, u.Check())
	u.Update(errors.New("blip"))
	assert.NoError(t, u.Check())
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("database", func() error { return nil })
	assert.Panics(t, func() {
		r.RegisterFunc("database", func() error { return nil })
	})
}
