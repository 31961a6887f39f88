package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_RetryableThenSuccess(t *testing.T) {
	t.Parallel()

	for _, k := range []int{0, 1, 3} {
		calls := 0
		v, err := DoValue(context.Background(), fastConfig(5), func() (string, error) {
			calls++
			if calls <= k {
				return "", errors.New("429 Too Many Requests")
			}
			return "ok", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, k+1, calls, "failures=%d", k)
	}
}

func TestDo_FatalNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	fatal := errors.New("execution reverted: insufficient allowance")
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return fatal
	})

	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDo_Exhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	transient := errors.New("connection reset by peer")
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return transient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}

	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

type codeErr int

func (c codeErr) Error() string  { return "rpc error" }
func (c codeErr) ErrorCode() int { return int(c) }

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"429 status", &StatusError{Code: 429}, true},
		{"503 status", &StatusError{Code: 503}, true},
		{"400 status", &StatusError{Code: 400}, false},
		{"rpc throttle code", codeErr(-32005), true},
		{"rpc other code", codeErr(-32000), false},
		{"rate limit text", errors.New("rate limit exceeded"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"revert", errors.New("execution reverted"), false},
		{"nonce too low", errors.New("nonce too low"), false},
		{"eof", fmt.Errorf("post: %w", io.EOF), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"eof letters in text", errors.New("invalid owner thereof"), false},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestBackoff_JitterAndCap(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := Backoff(base, time.Second, 1) // nominal 200ms
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}

	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, Backoff(base, time.Second, 10), time.Second)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
