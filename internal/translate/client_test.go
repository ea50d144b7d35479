package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgecanvas/comfybroker/internal/apperr"
)

func TestNew_EnabledReflectsAPIKeyPresence(t *testing.T) {
	assert.True(t, New("sk-test-key", "").Enabled())
	assert.False(t, New("", "").Enabled())
}

func TestEnabled_NilClientIsDisabled(t *testing.T) {
	var c *Client
	assert.False(t, c.Enabled())
}

func TestClassifyProviderError_UnrecognizedErrorIsServiceUnavailable(t *testing.T) {
	err := classifyProviderError(assertNotAnAPIError{})
	var ae *apperr.Error
	if assert.ErrorAs(t, err, &ae) {
		assert.Equal(t, apperr.ServiceUnavailable, ae.Kind)
	}
}

type assertNotAnAPIError struct{}

func (assertNotAnAPIError) Error() string { return "boom" }

func TestTranslate_EmptyTextIsValidationError(t *testing.T) {
	c := New("sk-test-key", "")
	_, err := c.Translate(nil, "") //nolint:staticcheck // nil context ok, request never fires
	var ae *apperr.Error
	if assert.ErrorAs(t, err, &ae) {
		assert.Equal(t, apperr.Validation, ae.Kind)
	}
}
