package errtypes

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsMatchSentinels(t *testing.T) {
	cause := errors.New("boom")

	var err error = &CompilationFailedError{Key: "sd/unet", Err: cause}
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", err), ErrCompilationFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrGraphMismatch)

	err = &GraphMismatchError{Path: "a.graph", Want: "abc", Got: "def"}
	assert.ErrorIs(t, err, ErrGraphMismatch)
	assert.Contains(t, err.Error(), "was built for def")

	err = &DeviceMismatchError{Current: "cuda:0", Target: "cuda:1"}
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	var verr *ValidationError
	err = CheckRange("cache_interval", 0, 1, 1000)
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "cache_interval", verr.Field)
	assert.ErrorIs(t, err, ErrValidation)
	assert.NoError(t, CheckRange("cache_interval", 1000, 1, 1000))
}
