package importer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"explicit transient", Transientf("socket reset"), ClassTransient},
		{"explicit fatal", Fatalf("bad credentials"), ClassFatal},
		{"wrapped transient", fmt.Errorf("fetch: %w", Transientf("timeout")), ClassTransient},
		{"wrapped fatal", fmt.Errorf("commit: %w", Fatal(errors.New("boom"))), ClassFatal},
		{"stale cursor", fmt.Errorf("save: %w", ErrStaleCursor), ClassFatal},
		{"context canceled", context.Canceled, ClassFatal},
		{"deadline exceeded", fmt.Errorf("op: %w", context.DeadlineExceeded), ClassFatal},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, ClassTransient},
		{"unclassified defaults to transient", errors.New("mystery"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestClassifiedErrorUnwraps(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	err := Transient(base)
	assert.ErrorIs(t, err, base)
	assert.EqualError(t, err, "transient: connection refused")
}

func TestIsHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(Transientf("x")))
	assert.False(t, IsTransient(Fatalf("x")))
	assert.True(t, IsFatal(Fatalf("x")))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsTransient(nil))

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Fatal(nil))
}
