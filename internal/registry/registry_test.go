package registry

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustInsert(t *testing.T, l *List, id, due uint64) Entry {
	t.Helper()
	e, err := l.Insert(id, due)
	require.NoError(t, err)
	return e
}

func TestList_Empty(t *testing.T) {
	l := New()
	_, ok := l.Head()
	assert.False(t, ok)
	_, ok = l.Tail()
	assert.False(t, ok)
	assert.Empty(t, l.IDs())
	assert.NoError(t, l.Check())
}

func TestList_InsertOrdersByDue(t *testing.T) {
	l := New()
	mustInsert(t, l, 1, 500)
	mustInsert(t, l, 2, 100)
	mustInsert(t, l, 3, 900)
	mustInsert(t, l, 4, 300)
	mustInsert(t, l, 5, 700)

	assert.Equal(t, []uint64{2, 4, 1, 5, 3}, l.IDs())

	head, ok := l.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(2), head.ID)

	tail, ok := l.Tail()
	require.True(t, ok)
	assert.Equal(t, uint64(3), tail.ID)
	assert.NoError(t, l.Check())
}

func TestList_TiesAreFIFO(t *testing.T) {
	tests := []struct {
		name string
		pre  []uint64 // due dates inserted before the ties
	}{
		{"empty", nil},
		{"ties near head", []uint64{50, 5000}},
		{"ties near tail", []uint64{10, 150}},
		{"ties at both ends", []uint64{100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			id := uint64(100)
			for _, due := range tt.pre {
				mustInsert(t, l, id, due)
				id++
			}
			mustInsert(t, l, 1, 100)
			mustInsert(t, l, 2, 100)
			mustInsert(t, l, 3, 100)

			var ties []uint64
			l.Walk(func(e Entry) bool {
				if e.ID < 100 {
					ties = append(ties, e.ID)
				}
				return true
			})
			assert.Equal(t, []uint64{1, 2, 3}, ties)
			assert.NoError(t, l.Check())
		})
	}
}

func TestList_DuplicateInsert(t *testing.T) {
	l := New()
	mustInsert(t, l, 1, 100)
	_, err := l.Insert(1, 200)
	assert.ErrorIs(t, err, ErrExists)
	assert.Equal(t, 1, l.Len())
}

func TestList_Remove(t *testing.T) {
	l := New()
	for id := uint64(1); id <= 5; id++ {
		mustInsert(t, l, id, id*10)
	}

	e, err := l.Remove(1) // head
	require.NoError(t, err)
	assert.Equal(t, uint64(10), e.Due)

	_, err = l.Remove(5) // tail
	require.NoError(t, err)

	_, err = l.Remove(3) // middle
	require.NoError(t, err)

	assert.Equal(t, []uint64{2, 4}, l.IDs())
	assert.NoError(t, l.Check())

	_, err = l.Remove(3)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Remove(2)
	require.NoError(t, err)
	_, err = l.Remove(4)
	require.NoError(t, err)
	_, ok := l.Head()
	assert.False(t, ok)
	assert.NoError(t, l.Check())
}

func TestList_RestoreReturnsToOriginalPosition(t *testing.T) {
	l := New()
	mustInsert(t, l, 1, 100)
	mustInsert(t, l, 2, 100)
	mustInsert(t, l, 3, 100)
	mustInsert(t, l, 4, 200)

	removed, err := l.Remove(2)
	require.NoError(t, err)
	require.NoError(t, l.Restore(removed))

	assert.Equal(t, []uint64{1, 2, 3, 4}, l.IDs())
	assert.ErrorIs(t, l.Restore(removed), ErrExists)
	assert.NoError(t, l.Check())
}

func TestList_RebuildFromEntries(t *testing.T) {
	l := New()
	for id := uint64(1); id <= 20; id++ {
		mustInsert(t, l, id, uint64(rand.Intn(5))*100)
	}
	want := l.Entries()

	// Restore in an arbitrary order; the sequence numbers recover FIFO ties.
	shuffled := append([]Entry(nil), want...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	rebuilt := New()
	for _, e := range shuffled {
		require.NoError(t, rebuilt.Restore(e))
	}
	assert.Equal(t, want, rebuilt.Entries())
	assert.Equal(t, l.NextSeq(), rebuilt.NextSeq())
}

func TestList_SetNextSeqNeverBehindEntries(t *testing.T) {
	l := New()
	mustInsert(t, l, 1, 10)
	mustInsert(t, l, 2, 20)
	l.SetNextSeq(0)
	assert.Equal(t, uint64(2), l.NextSeq())
	l.SetNextSeq(40)
	assert.Equal(t, uint64(40), l.NextSeq())
}

func TestList_RandomOperationsStaySorted(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := New()
	live := map[uint64]bool{}
	var nextID uint64 = 1

	for i := 0; i < 2000; i++ {
		if len(live) == 0 || rng.Intn(3) > 0 {
			mustInsert(t, l, nextID, uint64(rng.Intn(50)))
			live[nextID] = true
			nextID++
		} else {
			var victim uint64
			for id := range live {
				victim = id
				break
			}
			_, err := l.Remove(victim)
			require.NoError(t, err)
			delete(live, victim)
		}
		if i%100 == 0 {
			require.NoError(t, l.Check())
		}
	}
	require.NoError(t, l.Check())
	assert.Equal(t, len(live), l.Len())

	entries := l.Entries()
	assert.True(t, sort.SliceIsSorted(entries, func(i, j int) bool {
		return entries[i].before(entries[j])
	}))
}
