package lazypages

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

type mapStore struct {
	pages map[memory.Page]*memory.PageBuf
	reads int
}

func (s *mapStore) ReadPage(_ ids.ProgramID, page memory.Page) (*memory.PageBuf, error) {
	s.reads++
	buf, ok := s.pages[page]
	if !ok {
		return nil, ErrPageNotFound
	}
	return buf, nil
}

func filled(b byte) *memory.PageBuf {
	var buf memory.PageBuf
	for i := range buf {
		buf[i] = b
	}
	return &buf
}

func newManager(store *mapStore, withData ...memory.Page) *Manager {
	return New(Config{
		Program:       ids.ProgramID{1},
		Store:         store,
		PagesWithData: withData,
		Size:          2,
		MaxPages:      4,
	})
}

func TestReadFault_LoadsPersistedPage(t *testing.T) {
	store := &mapStore{pages: map[memory.Page]*memory.PageBuf{3: filled(7)}}
	m := newManager(store, 3)

	dst := make([]byte, 4)
	require.NoError(t, m.ReadAt(dst, 3*memory.PageSize))
	assert.Equal(t, []byte{7, 7, 7, 7}, dst)
	assert.Equal(t, Read, m.Access(3))
	assert.Equal(t, Untouched, m.Access(4))

	require.NoError(t, m.ReadAt(dst, 3*memory.PageSize+8))
	assert.Equal(t, 1, store.reads, "resident page is not fetched twice")

	updates, err := m.Release()
	require.NoError(t, err)
	assert.Empty(t, updates, "read-only pages produce no update")
}

func TestReadFault_ZeroFillsUnpersistedPage(t *testing.T) {
	store := &mapStore{}
	m := newManager(store)
	dst := []byte{9, 9}
	require.NoError(t, m.ReadAt(dst, 10))
	assert.Equal(t, []byte{0, 0}, dst)
	assert.Zero(t, store.reads)
}

func TestWrite_SingleUpdateWithFinalBytes(t *testing.T) {
	store := &mapStore{pages: map[memory.Page]*memory.PageBuf{0: filled(1)}}
	m := newManager(store, 0)

	require.NoError(t, m.WriteAt([]byte{5}, 0))
	require.NoError(t, m.WriteAt([]byte{6}, 1))
	require.NoError(t, m.WriteAt([]byte{8}, 0))

	updates, err := m.Release()
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, memory.Page(0), updates[0].Page)
	assert.Equal(t, byte(8), updates[0].Data[0])
	assert.Equal(t, byte(6), updates[0].Data[1])
	assert.Equal(t, byte(1), updates[0].Data[2], "untouched bytes keep persisted content")
}

func TestWrite_SpansPagesInAscendingOrder(t *testing.T) {
	m := newManager(&mapStore{})
	require.NoError(t, m.WriteAt([]byte{1}, 20*memory.PageSize))
	require.NoError(t, m.WriteAt([]byte{1, 2, 3, 4}, memory.PageSize-2))

	updates, err := m.Release()
	require.NoError(t, err)
	require.Len(t, updates, 3)
	assert.Equal(t, memory.Page(0), updates[0].Page)
	assert.Equal(t, memory.Page(1), updates[1].Page)
	assert.Equal(t, memory.Page(20), updates[2].Page)
	assert.Equal(t, byte(3), updates[1].Data[0])
}

func TestOutOfBounds(t *testing.T) {
	m := newManager(&mapStore{})
	err := m.ReadAt(make([]byte, 2), 2*memory.WasmPageSize-1)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	require.NoError(t, m.Grow(2))
	assert.Equal(t, memory.WasmPage(4), m.Size())
	require.NoError(t, m.ReadAt(make([]byte, 2), 2*memory.WasmPageSize-1))
	assert.ErrorIs(t, m.Grow(1), ErrOutOfBounds)
}

func TestMissingPersistedPageIsFatal(t *testing.T) {
	m := newManager(&mapStore{}, 2)
	err := m.ReadAt(make([]byte, 1), 2*memory.PageSize)
	var fatal *Error
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, memory.Page(2), fatal.Page)
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestFaultHandler_ChargesBeforeTransition(t *testing.T) {
	var faults []Fault
	budget := errors.New("out of gas")
	m := newManager(&mapStore{})
	m.SetFaultHandler(func(kind Fault, _ memory.Page) error {
		faults = append(faults, kind)
		if len(faults) > 2 {
			return budget
		}
		return nil
	})

	require.NoError(t, m.WriteAt([]byte{1}, 0))
	assert.Equal(t, []Fault{FaultRead, FaultWrite}, faults)

	err := m.ReadAt(make([]byte, 1), memory.PageSize)
	assert.ErrorIs(t, err, budget)
	assert.Equal(t, Untouched, m.Access(1))
}

func TestPrefetchAndObserve(t *testing.T) {
	store := &mapStore{pages: map[memory.Page]*memory.PageBuf{1: filled(4), 2: filled(5)}}
	m := newManager(store, 1, 2)

	image := map[memory.Page][]byte{}
	require.NoError(t, m.Prefetch(func(p memory.Page, data *memory.PageBuf) error {
		image[p] = append([]byte(nil), data[:]...)
		return nil
	}))
	require.Len(t, image, 2)

	image[2][0] = 99
	zero := make([]byte, memory.PageSize)
	dirty := make([]byte, memory.PageSize)
	dirty[10] = 1

	require.NoError(t, m.Observe(1, image[1]))
	require.NoError(t, m.Observe(2, image[2]))
	require.NoError(t, m.Observe(3, zero))
	require.NoError(t, m.Observe(4, dirty))

	updates, err := m.Release()
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, memory.Page(2), updates[0].Page)
	assert.Equal(t, byte(99), updates[0].Data[0])
	assert.Equal(t, memory.Page(4), updates[1].Page)
}

func TestBaseline_ObserveComparesAgainstInstantiatedImage(t *testing.T) {
	store := &mapStore{pages: map[memory.Page]*memory.PageBuf{1: filled(4)}}
	m := newManager(store, 1)
	var writes int
	m.SetFaultHandler(func(kind Fault, _ memory.Page) error {
		if kind == FaultWrite {
			writes++
		}
		return nil
	})

	require.NoError(t, m.Baseline(1, filled(9)[:]), "persisted page keeps its stored image")
	require.NoError(t, m.Baseline(3, filled(7)[:]))
	require.NoError(t, m.Baseline(5, filled(8)[:]))
	require.NoError(t, m.Prefetch(func(memory.Page, *memory.PageBuf) error { return nil }))

	changed := filled(8)
	changed[0] = 1
	require.NoError(t, m.Observe(1, filled(4)[:]))
	require.NoError(t, m.Observe(3, filled(7)[:]))
	require.NoError(t, m.Observe(5, changed[:]))
	assert.Equal(t, Untouched, m.Access(3))
	assert.Equal(t, 1, writes)

	updates, err := m.Release()
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, memory.Page(5), updates[0].Page)
	assert.Equal(t, *changed, updates[0].Data)

	var bad *Error
	assert.ErrorAs(t, newManager(store).Baseline(0, []byte{1}), &bad)
}

func TestForgetDropsFreedPages(t *testing.T) {
	m := newManager(&mapStore{})
	require.NoError(t, m.WriteAt([]byte{1}, 0))
	require.NoError(t, m.WriteAt([]byte{1}, memory.WasmPageSize))
	m.Forget([]memory.WasmPage{1})

	updates, err := m.Release()
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, memory.Page(0), updates[0].Page)

	_, err = m.Release()
	var fatal *Error
	assert.ErrorAs(t, err, &fatal)
}
