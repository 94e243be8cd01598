package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context cancelled", context.Canceled, false},
		{"wrapped context cancelled", fmt.Errorf("call: %w", context.Canceled), false},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"net error", timeoutErr{}, true},
		{"op error", &net.OpError{Op: "read", Err: errors.New("reset")}, true},
		{"redis loading", errors.New("LOADING Redis is loading the dataset in memory"), true},
		{"redis busy", errors.New("BUSY Redis is busy running a script"), true},
		{"readonly replica", errors.New("READONLY You can't write against a read only replica."), true},
		{"redis nil", redis.Nil, false},
		{"script error", errors.New("ERR Error running script"), false},
		{"plain error", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientError(tt.err))
		})
	}
}

func TestDoRetryRecoversFromTransientFailure(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	v, err := doRetry(s, context.Background(), "test_op", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", io.EOF
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, calls)
}

func TestDoRetryStopsOnPermanentError(t *testing.T) {
	s := newTestStore(t)

	boom := errors.New("boom")
	calls := 0
	_, err := doRetry(s, context.Background(), "test_op", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "test_op")
}

func TestDoRetryHonoursCallTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := New(client, WithCallTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := doRetry(s, context.Background(), "test_op", func(context.Context) (int, error) {
		return 0, io.EOF
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
