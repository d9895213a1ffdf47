package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&ConnectionError{Key: "g1", Exhausted: true}))
	assert.True(t, Retryable(&InstanceUnavailableError{GraphID: "g1", Tried: 2}))
	assert.True(t, Retryable(fmt.Errorf("resolve: %w", &InstanceUnavailableError{})))

	assert.False(t, Retryable(&ConnectionError{Key: "g1", Err: errors.New("open failed")}))
	assert.False(t, Retryable(&ValidationError{Field: "graph_id"}))
	assert.False(t, Retryable(&AdmissionRejectedError{}))
	assert.False(t, Retryable(ErrNotFound))
	assert.False(t, Retryable(nil))
}

func TestConnectionErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &ConnectionError{Key: "g1", Err: cause}
	assert.ErrorIs(t, err, cause)
}
