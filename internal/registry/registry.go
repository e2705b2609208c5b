// Package registry keeps active loans ordered by payment due date.
//
// The list is doubly linked with pointer links and an id index, so the loan
// that is due next is always at the head and removal is O(1). Entries with the
// same due date keep insertion order.
package registry

import (
	"errors"
	"fmt"
)

var (
	ErrExists   = errors.New("registry: loan already scheduled")
	ErrNotFound = errors.New("registry: loan not scheduled")
)

// Entry is one scheduled loan. Seq records insertion order and breaks ties
// between equal due dates.
type Entry struct {
	ID  uint64 `json:"loanId"`
	Due uint64 `json:"paymentDueDate"`
	Seq uint64 `json:"sequence"`
}

func (e Entry) before(o Entry) bool {
	if e.Due != o.Due {
		return e.Due < o.Due
	}
	return e.Seq < o.Seq
}

type node struct {
	Entry
	prev *node
	next *node
}

// List is the due-date ordered schedule. It is not safe for concurrent use;
// the owning ledger serializes access.
type List struct {
	head    *node
	tail    *node
	nodes   map[uint64]*node
	nextSeq uint64
}

// New returns an empty schedule.
func New() *List {
	return &List{nodes: make(map[uint64]*node)}
}

// Insert schedules id at due, after any existing entries with the same due date.
func (l *List) Insert(id, due uint64) (Entry, error) {
	if _, ok := l.nodes[id]; ok {
		return Entry{}, ErrExists
	}
	e := Entry{ID: id, Due: due, Seq: l.nextSeq}
	l.nextSeq++
	l.link(&node{Entry: e})
	return e, nil
}

// Restore puts back a previously scheduled entry at its original position.
// It is used to undo a removal and to rebuild the list from storage.
func (l *List) Restore(e Entry) error {
	if _, ok := l.nodes[e.ID]; ok {
		return ErrExists
	}
	if e.Seq >= l.nextSeq {
		l.nextSeq = e.Seq + 1
	}
	l.link(&node{Entry: e})
	return nil
}

// Remove unschedules id and returns the entry it had.
func (l *List) Remove(id uint64) (Entry, error) {
	n, ok := l.nodes[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	delete(l.nodes, id)
	return n.Entry, nil
}

// link splices n into place. The scan starts from whichever end has the
// closer due date.
func (l *List) link(n *node) {
	l.nodes[n.ID] = n
	if l.head == nil {
		l.head, l.tail = n, n
		return
	}

	if l.fromHead(n.Due) {
		cur := l.head
		for cur != nil && !n.before(cur.Entry) {
			cur = cur.next
		}
		if cur == nil {
			l.append(n)
			return
		}
		l.insertBefore(cur, n)
		return
	}

	cur := l.tail
	for cur != nil && n.before(cur.Entry) {
		cur = cur.prev
	}
	if cur == nil {
		l.prepend(n)
		return
	}
	l.insertAfter(cur, n)
}

func (l *List) fromHead(due uint64) bool {
	if due <= l.head.Due {
		return true
	}
	if due >= l.tail.Due {
		return false
	}
	return due-l.head.Due <= l.tail.Due-due
}

func (l *List) append(n *node) {
	n.prev = l.tail
	l.tail.next = n
	l.tail = n
}

func (l *List) prepend(n *node) {
	n.next = l.head
	l.head.prev = n
	l.head = n
}

func (l *List) insertBefore(at, n *node) {
	if at.prev == nil {
		l.prepend(n)
		return
	}
	n.prev, n.next = at.prev, at
	at.prev.next = n
	at.prev = n
}

func (l *List) insertAfter(at, n *node) {
	if at.next == nil {
		l.append(n)
		return
	}
	n.prev, n.next = at, at.next
	at.next.prev = n
	at.next = n
}

// Head returns the entry due soonest.
func (l *List) Head() (Entry, bool) {
	if l.head == nil {
		return Entry{}, false
	}
	return l.head.Entry, true
}

// Tail returns the entry due last.
func (l *List) Tail() (Entry, bool) {
	if l.tail == nil {
		return Entry{}, false
	}
	return l.tail.Entry, true
}

// Get returns the entry for id.
func (l *List) Get(id uint64) (Entry, bool) {
	n, ok := l.nodes[id]
	if !ok {
		return Entry{}, false
	}
	return n.Entry, true
}

func (l *List) Contains(id uint64) bool {
	_, ok := l.nodes[id]
	return ok
}

func (l *List) Len() int { return len(l.nodes) }

// NextSeq is the sequence number the next Insert will assign.
func (l *List) NextSeq() uint64 { return l.nextSeq }

// SetNextSeq rewinds or advances the sequence counter. Values below the
// highest scheduled sequence are ignored.
func (l *List) SetNextSeq(seq uint64) {
	for _, n := range l.nodes {
		if n.Seq >= seq {
			seq = n.Seq + 1
		}
	}
	l.nextSeq = seq
}

// Walk visits entries from head to tail until fn returns false.
func (l *List) Walk(fn func(Entry) bool) {
	for n := l.head; n != nil; n = n.next {
		if !fn(n.Entry) {
			return
		}
	}
}

// Entries returns the schedule in due order.
func (l *List) Entries() []Entry {
	out := make([]Entry, 0, len(l.nodes))
	l.Walk(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// IDs returns loan ids in due order.
func (l *List) IDs() []uint64 {
	out := make([]uint64, 0, len(l.nodes))
	l.Walk(func(e Entry) bool {
		out = append(out, e.ID)
		return true
	})
	return out
}

// Check verifies ordering, back links and the id index.
func (l *List) Check() error {
	count := 0
	var prev *node
	for n := l.head; n != nil; n = n.next {
		if n.prev != prev {
			return fmt.Errorf("registry: broken back link at loan %d", n.ID)
		}
		if prev != nil && n.before(prev.Entry) {
			return fmt.Errorf("registry: loan %d (due %d) precedes loan %d (due %d)", prev.ID, prev.Due, n.ID, n.Due)
		}
		if l.nodes[n.ID] != n {
			return fmt.Errorf("registry: loan %d missing from index", n.ID)
		}
		if n.Seq >= l.nextSeq {
			return fmt.Errorf("registry: loan %d sequence %d ahead of counter %d", n.ID, n.Seq, l.nextSeq)
		}
		prev = n
		count++
		if count > len(l.nodes) {
			return errors.New("registry: cycle detected")
		}
	}
	if prev != l.tail {
		return errors.New("registry: tail does not match last node")
	}
	if count != len(l.nodes) {
		return fmt.Errorf("registry: %d linked entries, %d indexed", count, len(l.nodes))
	}
	return nil
}
