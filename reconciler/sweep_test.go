package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/anchor/pkg/resource"
)

type fakeStore struct {
	resources []resource.Resource
	deleted   []resource.Resource
	err       error
}

func (s *fakeStore) List() ([]resource.Resource, error) {
	return s.resources, s.err
}

func (s *fakeStore) PendingDeletes() ([]resource.Resource, error) {
	return s.deleted, s.err
}

type collectingTarget struct {
	mu      sync.Mutex
	names   []resource.Name
	deletes []resource.Name
}

func (c *collectingTarget) EnqueueSweep(r resource.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, r.Name())
}

func (c *collectingTarget) EnqueueSweepDelete(r resource.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, r.Name())
}

func (c *collectingTarget) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.names)
}

func TestSweeper_Sweep(t *testing.T) {
	store := &fakeStore{resources: []resource.Resource{
		eventFor(t, "sg-1", resource.EventCreate, 1).Resource,
		eventFor(t, "sg-2", resource.EventCreate, 2).Resource,
	}}
	target := &collectingTarget{}
	s := NewSweeper(store, target, time.Minute, nil)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []resource.Name{"sg-1", "sg-2"}, target.names)
}

func TestSweeper_ReplaysPendingDeletes(t *testing.T) {
	store := &fakeStore{
		resources: []resource.Resource{eventFor(t, "sg-1", resource.EventCreate, 1).Resource},
		deleted:   []resource.Resource{eventFor(t, "sg-2", resource.EventDelete, 2).Resource},
	}
	target := &collectingTarget{}

	n, err := NewSweeper(store, target, time.Minute, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []resource.Name{"sg-1"}, target.names)
	assert.Equal(t, []resource.Name{"sg-2"}, target.deletes)
}

func TestSweeper_StoreError(t *testing.T) {
	s := NewSweeper(&fakeStore{err: errors.New("database closed")}, &collectingTarget{}, time.Minute, nil)

	_, err := s.Sweep(context.Background())
	assert.Error(t, err)
}

func TestSweeper_RunSweepsRepeatedly(t *testing.T) {
	store := &fakeStore{resources: []resource.Resource{eventFor(t, "sg-1", resource.EventCreate, 1).Resource}}
	target := &collectingTarget{}
	s := NewSweeper(store, target, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return target.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestSweeper_FeedsController(t *testing.T) {
	a := newRecordingAttempter(0)
	c := NewController(a, ControllerConfig{})
	runController(t, c)

	store := &fakeStore{resources: []resource.Resource{eventFor(t, "sg-1", resource.EventCreate, 1).Resource}}
	_, err := NewSweeper(store, c, time.Minute, nil).Sweep(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		calls, _, _ := a.snapshot()
		return len(calls) == 1 && calls[0].Type == resource.EventUpdate
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSweeper_DisabledWaitsForCancel(t *testing.T) {
	target := &collectingTarget{}
	s := NewSweeper(&fakeStore{}, target, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
	assert.Zero(t, target.count())
}
