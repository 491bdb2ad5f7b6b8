package queue

import "testing"

type item struct {
	val  int
	Next Linked[item]
}

func newItemQueue() *Queue[item] {
	return NewOfLinked(func(t *item) *Linked[item] { return &t.Next })
}

func TestQueueFIFOOrder(t *testing.T) {
	q := newItemQueue()

	if got := q.Get(); got != nil {
		t.Fatalf("Get() on empty queue = %v, want nil", got)
	}

	items := []*item{{val: 1}, {val: 2}, {val: 3}}
	for _, it := range items {
		q.Put(it)
	}
	if n := q.Len(); n != 3 {
		t.Fatalf("Len() = %d, want 3", n)
	}

	for _, want := range []int{1, 2, 3} {
		got := q.Get()
		if got == nil {
			t.Fatalf("Get() = nil, want val %d", want)
		}
		if got.val != want {
			t.Errorf("Get().val = %d, want %d", got.val, want)
		}
	}
	if got := q.Get(); got != nil {
		t.Fatalf("Get() after drain = %v, want nil", got)
	}
}

func TestQueueInterleavedPutGet(t *testing.T) {
	q := newItemQueue()

	a, b, c := &item{val: 1}, &item{val: 2}, &item{val: 3}
	q.Put(a)
	q.Put(b)
	if got := q.Get(); got != a {
		t.Fatalf("Get() = %v, want a", got)
	}
	q.Put(c)
	if got := q.Get(); got != b {
		t.Fatalf("Get() = %v, want b", got)
	}
	if got := q.Get(); got != c {
		t.Fatalf("Get() = %v, want c", got)
	}
	if got := q.Get(); got != nil {
		t.Fatalf("Get() after drain = %v, want nil", got)
	}
}

func TestQueueReuseAfterDrain(t *testing.T) {
	q := newItemQueue()
	a := &item{val: 1}
	q.Put(a)
	q.Get()
	b := &item{val: 2}
	q.Put(b)
	if got := q.Get(); got != b {
		t.Fatalf("Get() = %v, want b", got)
	}
}
