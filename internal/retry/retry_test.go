package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDirective(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		d, err := NewDirective(1, 3, 10*time.Millisecond, "master busy")
		require.NoError(t, err)
		assert.Equal(t, 1, d.Attempt)
		assert.False(t, d.Exhausted())
		assert.Contains(t, d.Error(), "attempt 1 of 3")
		assert.Contains(t, d.Error(), "master busy")
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		_, err := NewDirective(0, 3, 0, "")
		assert.ErrorIs(t, err, ErrInvalidDirective)
		_, err = NewDirective(4, 3, 0, "")
		assert.ErrorIs(t, err, ErrInvalidDirective)
		_, err = NewDirective(1, 3, -time.Millisecond, "")
		assert.ErrorIs(t, err, ErrInvalidDirective)
	})

	t.Run("last attempt is exhausted", func(t *testing.T) {
		d, err := NewDirective(3, 3, 0, "")
		require.NoError(t, err)
		assert.True(t, d.Exhausted())
	})
}

func TestAsDirective(t *testing.T) {
	d, _ := NewDirective(2, 5, 0, "x")
	wrapped := errors.Join(errors.New("join failed"), d)

	got, ok := AsDirective(wrapped)
	require.True(t, ok)
	assert.Same(t, d, got)

	_, ok = AsDirective(errors.New("plain"))
	assert.False(t, ok)
}

func TestSequence(t *testing.T) {
	s := NewSequence(3, 10*time.Millisecond, 25*time.Millisecond)

	var sleeps []time.Duration
	for i := 1; i <= 3; i++ {
		d, err := s.Next("busy")
		require.NoError(t, err)
		assert.Equal(t, i, d.Attempt, "attempts increase monotonically")
		sleeps = append(sleeps, d.Sleep)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, sleeps)

	_, err := s.Next("busy")
	assert.ErrorIs(t, err, ErrAttemptsExhausted)

	s.Reset()
	d, err := s.Next("again")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempt)
}

func TestDo(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		seq := NewSequence(5, time.Millisecond, 0)
		calls := 0
		err := Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				d, err := seq.Next("not yet")
				require.NoError(t, err)
				return d
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns non directive errors immediately", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Do(context.Background(), func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops after the last attempt", func(t *testing.T) {
		seq := NewSequence(2, 0, 0)
		calls := 0
		err := Do(context.Background(), func(context.Context) error {
			calls++
			d, err := seq.Next("busy")
			require.NoError(t, err)
			return d
		})
		assert.ErrorIs(t, err, ErrAttemptsExhausted)
		d, ok := AsDirective(err)
		require.True(t, ok)
		assert.Equal(t, 2, d.Attempt)
		assert.Equal(t, 2, calls)
	})

	t.Run("rejects attempts that do not increase", func(t *testing.T) {
		err := Do(context.Background(), func(context.Context) error {
			d, _ := NewDirective(1, 5, 0, "stuck")
			return d
		})
		assert.ErrorIs(t, err, ErrNonMonotonicAttempt)
	})

	t.Run("cancelled during sleep", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		seq := NewSequence(10, time.Hour, 0)
		start := time.Now()
		err := Do(ctx, func(context.Context) error {
			d, _ := seq.Next("wait")
			return d
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("already cancelled context never calls op", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		err := Do(ctx, func(context.Context) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}
