package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceAction_equalityAndAccessors(t *testing.T) {
	a := MappedAOTBlock("foo", 3)
	b := MappedAOTBlock("foo", 3)
	c := MappedAOTBlock("foo", 4)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))

	name, idx, ok := a.IsMappedAOTBlock()
	require.True(t, ok)
	assert.Equal(t, "foo", name)
	assert.Equal(t, uint64(3), idx)

	u := UnmappableBlock()
	assert.True(t, u.IsUnmappableBlock())
	assert.False(t, a.Equal(u))

	p := Promotion(42)
	v, ok := p.IsPromotion()
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)
}

func TestSoftwareTracer_recordsAndSuppressesTrailingCall(t *testing.T) {
	tr := NewSoftwareTracer(16)
	rec, err := tr.StartRecorder()
	require.NoError(t, err)

	sr := rec.(*softwareRecorder)
	sr.TraceBasicBlock(1, 0)
	sr.TraceBasicBlock(1, 1)
	sr.TraceBasicBlock(99, 99) // the trailing stop-tracing call, suppressed.

	it, err := rec.Stop()
	require.NoError(t, err)

	var got []TraceAction
	for {
		a, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, a)
	}
	require.Len(t, got, 2)
	assert.True(t, got[1].Equal(MappedAOTBlock("fn1", 1)))
}

func TestSoftwareTracer_rejectsConcurrentRecorder(t *testing.T) {
	tr := NewSoftwareTracer(4)
	_, err := tr.StartRecorder()
	require.NoError(t, err)
	_, err = tr.StartRecorder()
	require.Error(t, err)
}

func TestSoftwareTracer_tooLong(t *testing.T) {
	tr := NewSoftwareTracer(2)
	rec, err := tr.StartRecorder()
	require.NoError(t, err)
	sr := rec.(*softwareRecorder)
	sr.TraceBasicBlock(1, 0)
	sr.TraceBasicBlock(1, 1)
	sr.TraceBasicBlock(1, 2) // overflow, dropped.

	it, err := rec.Stop()
	require.NoError(t, err)
	_, ok, err := it.Next()
	assert.True(t, ok)
	_, ok, err = it.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrTraceTooLong)
}

type fakeCollector struct {
	blocks    []RawBlock
	startErr  error
	startHits int
}

func (f *fakeCollector) Start() error { f.startHits++; return f.startErr }
func (f *fakeCollector) Stop() ([]RawBlock, error) { return f.blocks, nil }

type fakeMapper struct {
	action TraceAction
}

func (m *fakeMapper) Map(blocks []RawBlock) AOTTraceIterator {
	return &singleStep{action: m.action}
}

type singleStep struct {
	action TraceAction
	done   bool
}

func (s *singleStep) Next() (TraceAction, bool, error) {
	if s.done {
		return TraceAction{}, false, nil
	}
	s.done = true
	return s.action, true, nil
}

func TestHardwareTracer_delegatesToCollectorAndMapper(t *testing.T) {
	fc := &fakeCollector{blocks: []RawBlock{{First: 0x1000, Last: 0x1010}}}
	fm := &fakeMapper{action: MappedAOTBlock("bar", 1)}
	tr := NewHardwareTracer(func() Collector { return fc }, fm)

	rec, err := tr.StartRecorder()
	require.NoError(t, err)
	assert.Equal(t, 1, fc.startHits)

	it, err := rec.Stop()
	require.NoError(t, err)
	a, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, a.Equal(MappedAOTBlock("bar", 1)))
}

func TestHardwareTracer_unsupportedByDefault(t *testing.T) {
	tr := NewHardwareTracer(nil, nil)
	_, err := tr.StartRecorder()
	require.Error(t, err)
}
