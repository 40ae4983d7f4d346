package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func TestZeroPolicySingleAttempt(t *testing.T) {
	calls := 0
	n, err := Policy{}.Do(context.Background(), func(int) error {
		calls++
		return errors.New("fail")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
}

func TestRetriesUntilSuccess(t *testing.T) {
	p := Policy{Strategy: StrategyFixed, MaxAttempts: 5, Interval: time.Millisecond}
	var notified []int
	n, err := p.Do(context.Background(), func(attempt int) error {
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		notified = append(notified, attempt)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestExhaustsAttempts(t *testing.T) {
	p := Policy{Strategy: StrategyExponential, MaxAttempts: 3, Interval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	boom := errors.New("still down")
	n, err := p.Do(context.Background(), func(int) error { return boom }, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, n)
}

func TestPermanentErrorStopsRetrying(t *testing.T) {
	p := Policy{MaxAttempts: 5, Interval: time.Millisecond}
	bad := perrors.Permanent(errors.New("bad input"))
	n, err := p.Do(context.Background(), func(int) error { return bad }, nil)
	assert.Equal(t, 1, n)
	assert.True(t, perrors.IsPermanentError(err))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Policy{}.Validate())
	assert.NoError(t, Policy{Strategy: StrategyExponential, MaxAttempts: 3}.Validate())
	assert.Error(t, Policy{Strategy: "linear"}.Validate())
	assert.Error(t, Policy{MaxAttempts: -1}.Validate())
}
