package models_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lumenhealth/syncbox/internal/models"
)

func TestValidationError(t *testing.T) {
	err := &models.ValidationError{
		Field:  "payload",
		Reason: "required",
	}

	assert.Equal(t, "invalid mutation: payload: required", err.Error())
}

func TestStorageError(t *testing.T) {
	baseErr := errors.New("disk full")
	err := &models.StorageError{
		Op:  "enqueue",
		Err: baseErr,
	}

	assert.Equal(t, "storage enqueue: disk full", err.Error())
	assert.Equal(t, baseErr, errors.Unwrap(err))
}

func TestQueueFullError(t *testing.T) {
	err := &models.QueueFullError{
		Pending: 1000,
		Limit:   1000,
	}

	assert.Equal(t, "queue full: 1000 pending, limit 1000", err.Error())
}

func TestClassifiedError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "transient",
			err:  models.Transient(models.ErrCodeTimeout, errors.New("request timed out")),
			want: "transient [TIMEOUT]: request timed out",
		},
		{
			name: "permanent",
			err:  models.Permanent(models.ErrCodeRejected, errors.New("unknown kind")),
			want: "permanent [REJECTED]: unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	baseErr := errors.New("connection refused")
	err := models.Transient(models.ErrCodeNetwork, baseErr)

	assert.True(t, errors.Is(err, baseErr))

	var cerr *models.ClassifiedError
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, models.ClassTransient, cerr.Class)
	assert.Equal(t, models.ErrCodeNetwork, cerr.Code)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "explicit transient",
			err:  models.Transient(models.ErrCodeRateLimit, errors.New("429")),
			want: true,
		},
		{
			name: "explicit permanent",
			err:  models.Permanent(models.ErrCodeConflict, errors.New("409")),
			want: false,
		},
		{
			name: "unclassified defaults to transient",
			err:  errors.New("something broke"),
			want: true,
		},
		{
			name: "wrapped classification survives",
			err:  fmt.Errorf("dispatch: %w", models.Permanent(models.ErrCodeRejected, errors.New("bad request"))),
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.IsTransient(tt.err))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, models.IsPermanent(models.Permanent(models.ErrCodeRejected, errors.New("422"))))
	assert.False(t, models.IsPermanent(models.Transient(models.ErrCodeServer, errors.New("503"))))
	assert.False(t, models.IsPermanent(errors.New("unclassified")))
	assert.False(t, models.IsPermanent(nil))
}
