package backfill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyQuery struct {
	key      string
	from, to uint64
	before   string
}

type fakeSource struct {
	mu         sync.Mutex
	keySlots   map[string][]uint64
	rangeSlots []uint64
	skipped    map[uint64]bool
	failures   map[uint64][]error
	keyCalls   []keyQuery
	rangeCalls [][2]uint64

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	fetched     atomic.Int32
}

func (s *fakeSource) SlotsForKey(_ context.Context, key string, from, to uint64, before string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyCalls = append(s.keyCalls, keyQuery{key, from, to, before})
	return s.keySlots[key], nil
}

func (s *fakeSource) SlotsInRange(_ context.Context, from, to uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rangeCalls = append(s.rangeCalls, [2]uint64{from, to})
	var out []uint64
	for _, slot := range s.rangeSlots {
		if slot >= from && slot < to {
			out = append(out, slot)
		}
	}
	return out, nil
}

func (s *fakeSource) Block(_ context.Context, slot uint64) (*model.Block, error) {
	s.fetched.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	s.mu.Lock()
	if errs := s.failures[slot]; len(errs) > 0 {
		s.failures[slot] = errs[1:]
		s.mu.Unlock()
		return nil, errs[0]
	}
	s.mu.Unlock()

	if s.skipped[slot] {
		return nil, nil
	}
	return &model.Block{Number: slot, Hash: "h"}, nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]uint64
	fail    func(first uint64) bool

	// source, when set, records how many blocks had been fetched by the
	// time each batch arrived.
	source    *fakeSource
	fetchedAt []int32
}

func (d *fakeDispatcher) Dispatch(_ context.Context, blocks []model.Block) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	numbers := make([]uint64, len(blocks))
	for i, b := range blocks {
		numbers[i] = b.Number
	}
	d.batches = append(d.batches, numbers)
	if d.source != nil {
		d.fetchedAt = append(d.fetchedAt, d.source.fetched.Load())
	}
	if d.fail != nil && d.fail(numbers[0]) {
		return 0, errors.New("dispatch failed")
	}
	return numbers[len(numbers)-1], nil
}

func descriptor() model.DataSourceDescriptor {
	return model.DataSourceDescriptor{ID: "idx", Network: model.NetworkDevnet}
}

func TestRun_FilterKeysDedupesAndDispatchesAscending(t *testing.T) {
	source := &fakeSource{keySlots: map[string][]uint64{
		"addr1": {140, 101, 120},
		"addr2": {120, 149, 99, 150},
	}}
	dispatcher := &fakeDispatcher{}
	c := New(source, dispatcher, Config{BatchSize: 2}, descriptor(), nil)

	res, err := c.Run(context.Background(), Request{
		From:               101,
		To:                 150,
		FilterKeys:         []string{"addr1", "addr2"},
		LastKnownReference: "live-sig",
	})
	require.NoError(t, err)

	assert.Equal(t, []keyQuery{
		{"addr1", 101, 150, "live-sig"},
		{"addr2", 101, 150, "live-sig"},
	}, source.keyCalls)
	assert.Empty(t, source.rangeCalls)
	assert.Equal(t, [][]uint64{{101, 120}, {140, 149}}, dispatcher.batches)
	assert.Equal(t, Result{Slots: 4, Resolved: 4, Batches: 2, MaxBlock: 149}, res)
}

func TestRun_UnfilteredUsesSlotRange(t *testing.T) {
	source := &fakeSource{rangeSlots: []uint64{101, 102, 104}, skipped: map[uint64]bool{102: true}}
	dispatcher := &fakeDispatcher{}
	c := New(source, dispatcher, Config{}, descriptor(), nil)

	res, err := c.Run(context.Background(), Request{From: 101, To: 105})
	require.NoError(t, err)

	assert.Equal(t, [][2]uint64{{101, 105}}, source.rangeCalls)
	assert.Equal(t, [][]uint64{{101, 104}}, dispatcher.batches)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Resolved)
}

func TestRun_UnfilteredGapListedInWindows(t *testing.T) {
	source := &fakeSource{rangeSlots: []uint64{0, 3, 9, 10, 15, 21, 24}}
	dispatcher := &fakeDispatcher{source: source}
	c := New(source, dispatcher, Config{BatchSize: 2, SlotWindow: 10}, descriptor(), nil)

	res, err := c.Run(context.Background(), Request{From: 0, To: 25})
	require.NoError(t, err)

	assert.Equal(t, [][2]uint64{{0, 10}, {10, 20}, {20, 25}}, source.rangeCalls)
	assert.Equal(t, [][]uint64{{0, 3}, {9}, {10, 15}, {21, 24}}, dispatcher.batches)
	assert.Equal(t, Result{Slots: 7, Resolved: 7, Batches: 4, MaxBlock: 24}, res)
}

func TestRun_DispatchesEachBatchBeforeFetchingTheNext(t *testing.T) {
	slots := make([]uint64, 10)
	for i := range slots {
		slots[i] = uint64(i + 1)
	}
	source := &fakeSource{rangeSlots: slots}
	dispatcher := &fakeDispatcher{source: source}
	c := New(source, dispatcher, Config{BatchSize: 4}, descriptor(), nil)

	res, err := c.Run(context.Background(), Request{From: 1, To: 11})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, []int32{4, 8, 10}, dispatcher.fetchedAt)
}

func TestRun_SkippedOnlyBatchIsNotDispatched(t *testing.T) {
	source := &fakeSource{
		rangeSlots: []uint64{1, 2, 3, 4},
		skipped:    map[uint64]bool{1: true, 2: true},
	}
	dispatcher := &fakeDispatcher{}
	c := New(source, dispatcher, Config{BatchSize: 2}, descriptor(), nil)

	res, err := c.Run(context.Background(), Request{From: 1, To: 5})
	require.NoError(t, err)
	assert.Equal(t, [][]uint64{{3, 4}}, dispatcher.batches)
	assert.Equal(t, Result{Slots: 4, Resolved: 2, Skipped: 2, Batches: 1, MaxBlock: 4}, res)
}

func TestRun_EmptyRangeRejected(t *testing.T) {
	c := New(&fakeSource{}, &fakeDispatcher{}, Config{}, descriptor(), nil)
	_, err := c.Run(context.Background(), Request{From: 10, To: 10})
	require.Error(t, err)
}

func TestRun_NoSlotsDispatchesNothing(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	c := New(&fakeSource{}, dispatcher, Config{}, descriptor(), nil)

	res, err := c.Run(context.Background(), Request{From: 1, To: 10, FilterKeys: []string{"quiet"}})
	require.NoError(t, err)
	assert.Zero(t, res.Slots)
	assert.Empty(t, dispatcher.batches)
}

func TestRun_RetriesTransientFetchErrors(t *testing.T) {
	source := &fakeSource{
		rangeSlots: []uint64{5},
		failures: map[uint64][]error{
			5: {&retry.ConnectionError{Op: "getBlock", Err: errors.New("reset")}},
		},
	}
	dispatcher := &fakeDispatcher{}
	c := New(source, dispatcher, Config{RetryInitial: time.Millisecond}, descriptor(), nil)

	res, err := c.Run(context.Background(), Request{From: 5, To: 6})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
}

func TestRun_TerminalFetchErrorFailsRun(t *testing.T) {
	source := &fakeSource{
		rangeSlots: []uint64{5, 6},
		failures: map[uint64][]error{
			6: {&retry.DecodeError{BlockNumber: 6, Err: errors.New("bad json")}},
		},
	}
	dispatcher := &fakeDispatcher{}
	c := New(source, dispatcher, Config{RetryInitial: time.Millisecond}, descriptor(), nil)

	_, err := c.Run(context.Background(), Request{From: 5, To: 7})
	require.Error(t, err)
	var decodeErr *retry.DecodeError
	assert.True(t, errors.As(err, &decodeErr))
	assert.Empty(t, dispatcher.batches)
}

func TestRun_BoundedParallelism(t *testing.T) {
	slots := make([]uint64, 40)
	for i := range slots {
		slots[i] = uint64(i + 1)
	}
	source := &fakeSource{rangeSlots: slots}
	c := New(source, &fakeDispatcher{}, Config{Concurrency: 3}, descriptor(), nil)

	_, err := c.Run(context.Background(), Request{From: 1, To: 41})
	require.NoError(t, err)
	assert.LessOrEqual(t, source.maxInFlight.Load(), int32(3))
}

func TestRun_PartialDispatchFailureContinues(t *testing.T) {
	source := &fakeSource{rangeSlots: []uint64{1, 2, 3, 4}}
	dispatcher := &fakeDispatcher{fail: func(first uint64) bool { return first == 1 }}
	c := New(source, dispatcher, Config{BatchSize: 2}, descriptor(), nil)

	res, err := c.Run(context.Background(), Request{From: 1, To: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Equal(t, uint64(4), res.MaxBlock)
}

func TestRun_AllDispatchesFail(t *testing.T) {
	source := &fakeSource{rangeSlots: []uint64{1, 2}}
	dispatcher := &fakeDispatcher{fail: func(uint64) bool { return true }}
	c := New(source, dispatcher, Config{}, descriptor(), nil)

	_, err := c.Run(context.Background(), Request{From: 1, To: 3})
	require.Error(t, err)
}

func TestRun_CanceledContext(t *testing.T) {
	source := &fakeSource{rangeSlots: []uint64{1, 2}}
	c := New(source, &fakeDispatcher{}, Config{}, descriptor(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, Request{From: 1, To: 3})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []uint64{101, 120, 149}, dedupe([]uint64{149, 101, 120, 101, 100, 150}, 101, 150))
}
