package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableTransport(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "retryable transport error",
			err:       NewRetryableTransportError(503, errors.New("unavailable")),
			retryable: true,
		},
		{
			name:      "terminal transport error",
			err:       NewTerminalTransportError(401, errors.New("unauthorized")),
			retryable: false,
		},
		{
			name:      "wrapped terminal error",
			err:       fmt.Errorf("submit: %w", NewTerminalTransportError(400, errors.New("bad request"))),
			retryable: false,
		},
		{
			name:      "unknown error defaults to retryable",
			err:       errors.New("connection reset"),
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableTransport(tt.err))
		})
	}
}

func TestTransportError_Message(t *testing.T) {
	err := NewRetryableTransportError(429, errors.New("slow down"))
	assert.Contains(t, err.Error(), "retryable")
	assert.Contains(t, err.Error(), "429")

	err = NewTerminalTransportError(0, errors.New("marshal failed"))
	assert.Contains(t, err.Error(), "terminal")
	assert.NotContains(t, err.Error(), "status=")
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := NewRetryableTransportError(500, inner)
	assert.ErrorIs(t, err, inner)
}

func TestStorageError_Unwrap(t *testing.T) {
	inner := errors.New("bucket missing")
	err := &StorageError{Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "storage error")
}

func TestJob_Valid(t *testing.T) {
	tests := []struct {
		name  string
		job   Job
		valid bool
	}{
		{
			name:  "valid job",
			job:   Job{ID: "a", Input: []byte(`{}`)},
			valid: true,
		},
		{
			name:  "missing id",
			job:   Job{Input: []byte(`{}`)},
			valid: false,
		},
		{
			name:  "missing input",
			job:   Job{ID: "a"},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.job.Valid())
		})
	}
}
