package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.Register("dictionaries", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.Register("dictionaries", func(ctx context.Context) Status { return StatusDown })

	report := c.Evaluate(context.Background())
	assert.False(t, report.Ready)
	assert.Equal(t, StatusDown, report.Checks["dictionaries"])
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("upstream", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_LastCachesReport(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	var calls atomic.Int32
	c.Register("store", func(ctx context.Context) Status {
		calls.Add(1)
		return StatusOK
	})

	assert.True(t, c.Last().CheckedAt.IsZero())
	c.Evaluate(context.Background())
	last := c.Last()
	assert.True(t, last.Ready)
	assert.False(t, last.CheckedAt.IsZero())
	assert.Equal(t, int32(1), calls.Load())
}

func TestChecker_TimeoutAppliesToChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.SetTimeout(10 * time.Millisecond)
	c.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return StatusDown
	})

	start := time.Now()
	assert.False(t, c.IsReady(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestFlag(t *testing.T) {
	var ready atomic.Bool
	check := Flag(ready.Load)
	assert.Equal(t, StatusDown, check(context.Background()))
	ready.Store(true)
	assert.Equal(t, StatusOK, check(context.Background()))
}

func TestPing(t *testing.T) {
	failing := Ping(func(context.Context) error { return errors.New("refused") }, StatusDegraded)
	assert.Equal(t, StatusDegraded, failing(context.Background()))

	ok := Ping(func(context.Context) error { return nil }, StatusDown)
	assert.Equal(t, StatusOK, ok(context.Background()))
}
