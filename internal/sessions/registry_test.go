package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartoon/internal/clock"
	"cartoon/internal/domain"
	"cartoon/internal/generation"
	"cartoon/internal/imagegen"
)

type pendingAPI struct{}

func (pendingAPI) Generate(context.Context, imagegen.SubmitRequest) (string, error) {
	return "task-1", nil
}

func (pendingAPI) Check(context.Context, string) (imagegen.CheckResult, error) {
	return imagegen.CheckResult{Status: domain.ServerStatusPending}, nil
}

type paidTier struct{}

func (paidTier) UserInfo(context.Context, string) (domain.Entitlement, error) {
	return domain.Entitlement{AccountTier: 1}, nil
}

func newRegistry(clk *clock.Fake, ttl time.Duration) *Registry {
	return NewRegistry(func(googleID string) *generation.Controller {
		return generation.New(generation.Options{
			API:          pendingAPI{},
			Entitlements: paidTier{},
			Identity:     generation.StaticIdentity(googleID),
			Clock:        clk,
		})
	}, ttl, zerolog.Nop())
}

func TestRegistryGetReusesController(t *testing.T) {
	r := newRegistry(clock.NewFake(time.Now()), time.Minute)
	a := r.Get("g-1")
	require.NotNil(t, a)
	assert.Same(t, a, r.Get("g-1"))
	assert.NotSame(t, a, r.Get("g-2"))
	assert.Equal(t, 2, r.Len())

	_, ok := r.Peek("g-3")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryReleaseCancelsAttempt(t *testing.T) {
	clk := clock.NewFake(time.Now())
	r := newRegistry(clk, time.Minute)
	c := r.Get("g-1")
	require.NoError(t, c.SelectFile(domain.ImageFile{Name: "a.png", Data: []byte{1}}))
	_, err := c.StartGeneration(context.Background())
	require.NoError(t, err)
	require.True(t, clk.WaitForTimers(1, time.Second))

	assert.True(t, r.Release("g-1"))
	assert.False(t, r.Release("g-1"))
	assert.True(t, clk.WaitForTimers(0, time.Second))
	assert.False(t, c.Snapshot().Busy())
	assert.Zero(t, r.Len())
}

func TestRegistrySweepSkipsBusyAndFresh(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	r := newRegistry(clk, 10*time.Minute)

	r.Get("idle")
	busy := r.Get("busy")
	require.NoError(t, busy.SelectFile(domain.ImageFile{Name: "a.png", Data: []byte{1}}))
	_, err := busy.StartGeneration(context.Background())
	require.NoError(t, err)
	t.Cleanup(busy.Cancel)

	assert.Zero(t, r.Sweep(start.Add(5*time.Minute)))
	assert.Equal(t, 1, r.Sweep(start.Add(11*time.Minute)))

	_, ok := r.Peek("idle")
	assert.False(t, ok)
	_, ok = r.Peek("busy")
	assert.True(t, ok)
}

func TestRegistryClose(t *testing.T) {
	r := newRegistry(clock.NewFake(time.Now()), time.Minute)
	r.Get("g-1")
	r.Close()
	assert.Zero(t, r.Len())
	assert.Nil(t, r.Get("g-1"))
}

func TestRegistryRunStopsWithContext(t *testing.T) {
	r := newRegistry(clock.NewFake(time.Now()), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
