package perfmon

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalis-app/countermon/internal/counter"
	"github.com/vitalis-app/countermon/internal/host"
)

type fakeCategory struct {
	typ       CategoryType
	counters  []string
	instances []string
}

type fakeFacility struct {
	categories map[string]fakeCategory
	values     map[string]float64
	failOpen   map[string]bool
	opened     []string
}

func (f *fakeFacility) CategoryExists(_ context.Context, _, category string) (bool, error) {
	_, ok := f.categories[category]
	return ok, nil
}

func (f *fakeFacility) CounterExists(_ context.Context, _, category, counter string) (bool, error) {
	for _, c := range f.categories[category].counters {
		if c == counter {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeFacility) CategoryType(_ context.Context, _, category string) (CategoryType, error) {
	return f.categories[category].typ, nil
}

func (f *fakeFacility) InstanceNames(_ context.Context, _, category string) ([]string, error) {
	return f.categories[category].instances, nil
}

func (f *fakeFacility) Open(_ context.Context, _, category, counter, instance string) (Handle, error) {
	key := category + "/" + counter + "/" + instance
	if f.failOpen[key] {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	f.opened = append(f.opened, key)
	return &gaugeHandle{read: func(context.Context) (float64, error) {
		v, ok := f.values[key]
		if !ok {
			return 0, errors.New("instance vanished")
		}
		return v, nil
	}}, nil
}

func newFake() *fakeFacility {
	return &fakeFacility{
		categories: map[string]fakeCategory{
			"Process": {
				typ:       MultiInstance,
				counters:  []string{"Working Set"},
				instances: []string{"foobar", "baz", "foobar#1"},
			},
			"Memory": {
				typ:      SingleInstance,
				counters: []string{"Available MBytes"},
			},
			"Weird": {
				typ:      Unknown,
				counters: []string{"Thing"},
			},
		},
		values: map[string]float64{
			"Process/Working Set/foobar":   100,
			"Process/Working Set/foobar#1": 200,
			"Process/Working Set/baz":      300,
			"Memory/Available MBytes/":     512,
		},
		failOpen: map[string]bool{},
	}
}

func instanceNames(cs []*Counter) []string {
	var out []string
	for _, c := range cs {
		out = append(out, c.Meta().Instance)
	}
	return out
}

func TestLoadInstancesForCounter_InstanceFilters(t *testing.T) {
	ctx := context.Background()
	h := host.New("10.0.0.1", "worker1", "prod", false, nil)

	tests := []struct {
		name    string
		filters []string
		want    []string
	}{
		{"substring filter", []string{"foo"}, []string{"foobar", "foobar#1"}},
		{"no filters loads all", nil, []string{"foobar", "baz", "foobar#1"}},
		{"exact instance", []string{"baz"}, []string{"baz"}},
		{"no match", []string{"qux"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(newFake(), nil)
			got := l.LoadInstancesForCounter(ctx, h, counter.Persistent, "Process", "Working Set", "bytes", tt.filters)
			assert.Equal(t, tt.want, instanceNames(got))
		})
	}
}

func TestLoadInstancesForCounter_SingleInstanceHasNoInstanceName(t *testing.T) {
	h := host.New("10.0.0.1", "worker1", "prod", false, nil)
	got := NewLoader(newFake(), nil).LoadInstancesForCounter(context.Background(), h, counter.Ephemeral, "Memory", "Available MBytes", "MB", []string{"ignored"})
	require.Len(t, got, 1)

	m := got[0].Meta()
	assert.Equal(t, "", m.Instance)
	assert.Equal(t, counter.Ephemeral, m.Lifecycle)
	assert.Equal(t, counter.TypePerfmon, m.CounterType)
	assert.Equal(t, Source, m.Source)
	assert.Equal(t, "MB", m.Unit)
}

func TestLoadInstancesForCounter_MissingOrBrokenDefinitions(t *testing.T) {
	ctx := context.Background()
	h := host.New("10.0.0.1", "worker1", "prod", false, nil)
	f := newFake()
	f.failOpen["Process/Working Set/baz"] = true
	l := NewLoader(f, nil)

	assert.Empty(t, l.LoadInstancesForCounter(ctx, h, counter.Persistent, "Nope", "Working Set", "", nil))
	assert.Empty(t, l.LoadInstancesForCounter(ctx, h, counter.Persistent, "Process", "Nope", "", nil))
	assert.Empty(t, l.LoadInstancesForCounter(ctx, h, counter.Persistent, "Weird", "Thing", "", nil))

	got := l.LoadInstancesForCounter(ctx, h, counter.Persistent, "Process", "Working Set", "", nil)
	assert.Equal(t, []string{"foobar", "foobar#1"}, instanceNames(got))
}

func TestCounter_SampleAndString(t *testing.T) {
	ctx := context.Background()
	h := host.New("10.0.0.1", "worker1", "prod", false, nil)
	f := newFake()

	c, err := NewCounter(ctx, f, h, counter.Persistent, "Process", "Working Set", "foobar", "bytes", nil)
	require.NoError(t, err)
	assert.Equal(t, `prod\10.0.0.1\worker1\Perfmon\Process\Working Set\foobar`, c.String())

	s := c.Sample(ctx)
	require.True(t, s.OK())
	assert.Equal(t, 100.0, *s.Value)

	// The instance goes away: the sample is kept but carries no value.
	delete(f.values, "Process/Working Set/foobar")
	s = c.Sample(ctx)
	require.NotNil(t, s)
	assert.False(t, s.OK())
	assert.Same(t, c, s.Counter)

	require.NoError(t, c.Close())
	assert.False(t, c.Sample(ctx).OK())
}

func TestIsInstanceRequested(t *testing.T) {
	assert.True(t, IsInstanceRequested("foobar", []string{"foo"}))
	assert.False(t, IsInstanceRequested("baz", []string{"foo"}))
	assert.True(t, IsInstanceRequested("baz", nil))
	assert.True(t, IsInstanceRequested("baz", []string{}))
	assert.True(t, IsInstanceRequested("baz", []string{"x", "a"}))
}

func TestRateHandle(t *testing.T) {
	ctx := context.Background()
	total := 0.0
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	h := newRateHandle(func(context.Context) (float64, error) { return total, nil }, 1)
	h.now = func() time.Time { return clock }

	v, err := h.NextValue(ctx)
	require.NoError(t, err)
	assert.Zero(t, v, "first value establishes the baseline")

	total += 500
	clock = clock.Add(5 * time.Second)
	v, err = h.NextValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	total = 10
	clock = clock.Add(time.Second)
	v, err = h.NextValue(ctx)
	require.NoError(t, err)
	assert.Zero(t, v, "counter reset yields zero")
}

func TestRatioHandle(t *testing.T) {
	ctx := context.Background()
	part, whole := 10.0, 100.0
	h := &ratioHandle{read: func(context.Context) (float64, float64, error) { return part, whole, nil }}

	v, err := h.NextValue(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	part, whole = 35, 200
	v, err = h.NextValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25.0, v)
}

func TestNameInstances(t *testing.T) {
	got := nameInstances([]processInstance{
		{name: "java", pid: 30},
		{name: "bash", pid: 5},
		{name: "java", pid: 10},
		{name: "java", pid: 20},
	})
	assert.Equal(t, []processInstance{
		{name: "bash", pid: 5},
		{name: "java", pid: 10},
		{name: "java#1", pid: 20},
		{name: "java#2", pid: 30},
	}, got)
}

func TestIsLocalMachine(t *testing.T) {
	tests := []struct {
		machine string
		want    bool
	}{
		{"", true},
		{".", true},
		{"LOCALHOST", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"box", true},
		{"box.corp.example.com", true},
		{"other", false},
		{"10.1.2.3", false},
	}
	for _, tt := range tests {
		if got := isLocalMachine(tt.machine, "Box.local"); got != tt.want {
			t.Errorf("isLocalMachine(%q) = %v, want %v", tt.machine, got, tt.want)
		}
	}
}

func TestLocalFacility(t *testing.T) {
	ctx := context.Background()
	f := NewLocalFacility(nil)

	assert.Equal(t, []string{"LogicalDisk", "Memory", "Network Interface", "Process", "Processor", "System"}, f.Categories())

	ok, err := f.CategoryExists(ctx, "", "memory")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.CategoryExists(ctx, "some-remote-host", "Memory")
	assert.ErrorIs(t, err, ErrRemoteUnsupported)

	typ, err := f.CategoryType(ctx, "", "Processor")
	require.NoError(t, err)
	assert.Equal(t, MultiInstance, typ)

	instances, err := f.InstanceNames(ctx, "", "Processor")
	require.NoError(t, err)
	assert.Contains(t, instances, TotalInstance)

	h, err := f.Open(ctx, "", "Memory", "Available Bytes", "")
	require.NoError(t, err)
	v, err := h.NextValue(ctx)
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)

	_, err = f.Open(ctx, "", "Processor", "% Processor Time", "no-such-cpu")
	assert.ErrorIs(t, err, ErrNotFound)
}
