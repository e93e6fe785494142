package execution

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"playdelivery/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

func TestSimulatedExecutor_AlwaysSucceeds(t *testing.T) {
	e := NewSimulatedExecutor(testclock.NewFakeClock(time.Now()), 0, 0, rand.New(rand.NewPCG(1, 1)))

	for i := 0; i < 20; i++ {
		res, err := e.Execute(context.Background(), &models.Task{}, &models.Lease{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, res.ErrorCode)
	}
}

func TestSimulatedExecutor_AlwaysFails(t *testing.T) {
	e := NewSimulatedExecutor(testclock.NewFakeClock(time.Now()), 0, 1, nil)

	res, err := e.Execute(context.Background(), &models.Task{}, &models.Lease{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeSimulated, res.ErrorCode)
}

func TestSimulatedExecutor_HonoursContext(t *testing.T) {
	e := NewSimulatedExecutor(testclock.NewFakeClock(time.Now()), time.Hour, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Execute(ctx, &models.Task{}, &models.Lease{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CodeCanceled, res.ErrorCode)

	deadline, cancelDeadline := context.WithDeadline(context.Background(), time.Unix(0, 0))
	defer cancelDeadline()
	res, err = e.Execute(deadline, &models.Task{}, &models.Lease{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, res.ErrorCode)
}

func TestSimulatedExecutor_WaitsForLatency(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	e := NewSimulatedExecutor(clk, 2*time.Second, 0, nil)

	done := make(chan Result, 1)
	go func() {
		res, _ := e.Execute(context.Background(), &models.Task{}, &models.Lease{})
		done <- res
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(2 * time.Second)

	select {
	case res := <-done:
		assert.True(t, res.Success)
		assert.Equal(t, int64(2000), res.DurationMs)
	case <-time.After(time.Second):
		t.Fatal("execution did not finish after latency elapsed")
	}
}

func TestChaosGate(t *testing.T) {
	g := NewChaosGate(rand.New(rand.NewPCG(7, 7)))

	assert.False(t, g.IsPauseRequested())
	g.SetPaused(true)
	assert.True(t, g.IsPauseRequested())

	g.Ban("datacenter")
	assert.True(t, g.IsBanned("datacenter"))
	assert.False(t, g.IsBanned("device-farm"))
	g.Unban("datacenter")
	assert.False(t, g.IsBanned("datacenter"))

	assert.False(t, g.ShouldInjectFailure())
	g.SetFailureRate(1)
	assert.True(t, g.ShouldInjectFailure())
	g.SetFailureRate(-3)
	assert.False(t, g.ShouldInjectFailure())
}

func TestChaosGate_State(t *testing.T) {
	g := NewChaosGate(nil)
	g.Ban("datacenter")
	g.Ban("cloud")
	g.SetFailureRate(0.5)

	assert.Equal(t, ChaosState{
		Paused:        false,
		BannedSources: []string{"cloud", "datacenter"},
		FailureRate:   0.5,
	}, g.State())
}

func TestNopGate(t *testing.T) {
	var g SafetyGate = NopGate{}
	assert.False(t, g.IsPauseRequested())
	assert.False(t, g.IsBanned("any"))
	assert.False(t, g.ShouldInjectFailure())
}
