// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package fifo

import (
	"errors"
	"testing"
)

func assertListsEqual[T comparable](first, second []T) bool {
	if len(first) != len(second) {
		return false
	}
	for i := range first {
		if first[i] != second[i] {
			return false
		}
	}
	return true
}

func TestListOrder(t *testing.T) {
	list := New[uint64]()
	for i := 0; i < 100; i += 1 {
		list.AddRear(uint64(i))
	}
	for i := 0; i < 100; i += 1 {
		value, err := list.RemoveFront()
		if err != nil {
			t.Fatalf("error on remove received %s", err)
		}
		if value != uint64(i) {
			t.Errorf("order of numbers in list is broken, %d != %d", value, i)
		}
	}
	_, err := list.RemoveFront()
	var emptyErr *ErrEmptyList
	if !errors.As(err, &emptyErr) {
		t.Errorf("expected empty list error, got %v", err)
	}
}

func TestListRemoveByPointer(t *testing.T) {
	list := New[uint64]()
	headAndTail := list.AddRear(1)
	if _, err := list.RemoveByPointer(headAndTail); err != nil {
		t.Fatalf("bad list element removal, error: %s", err)
	}
	if headAndTail.Linked() {
		t.Errorf("removed cell still reports being linked")
	}
	list.AddRear(1)
	second := list.AddRear(2)
	list.AddRear(3)
	list.AddRear(4)
	tail := list.AddRear(5)
	if _, err := list.RemoveByPointer(second); err != nil {
		t.Fatalf("bad list element removal, error: %s", err)
	}
	if !assertListsEqual([]uint64{1, 3, 4, 5}, list.Content()) {
		t.Fatalf("incorrect list content %v", list.Content())
	}
	if _, err := list.RemoveByPointer(tail); err != nil {
		t.Fatalf("bad list element removal, error: %s", err)
	}
	if !assertListsEqual([]uint64{1, 3, 4}, list.Content()) {
		t.Fatalf("bad list tail element removal %v", list.Content())
	}
	if _, err := list.RemoveByPointer(second); err == nil {
		t.Errorf("removing an unlinked cell must fail")
	}
}

func TestListAddFront(t *testing.T) {
	list := New[string]()
	list.AddRear("data")
	list.AddFront("snack")
	list.AddRear("more data")
	if !assertListsEqual([]string{"snack", "data", "more data"}, list.Content()) {
		t.Fatalf("priority element is not at the head: %v", list.Content())
	}
	front, ok := list.Front()
	if !ok || front != "snack" {
		t.Errorf("unexpected front %q", front)
	}
}

func TestListForeignCell(t *testing.T) {
	first := New[int]()
	second := New[int]()
	cell := first.AddRear(1)
	second.AddRear(2)
	var foreignErr *ErrForeignCell
	if _, err := second.RemoveByPointer(cell); !errors.As(err, &foreignErr) {
		t.Errorf("expected foreign cell error, got %v", err)
	}
	if first.Len() != 1 || second.Len() != 1 {
		t.Errorf("lists changed after failed removal")
	}
}

func TestListDrain(t *testing.T) {
	list := New[int]()
	cells := []*Cell[int]{list.AddRear(1), list.AddRear(2), list.AddRear(3)}
	drained := list.Drain()
	if !assertListsEqual([]int{1, 2, 3}, drained) {
		t.Fatalf("unexpected drained content %v", drained)
	}
	if list.Len() != 0 {
		t.Errorf("expected empty list after drain, size is %d", list.Len())
	}
	for _, cell := range cells {
		if cell.Linked() {
			t.Errorf("cell %d is still linked after drain", cell.Value())
		}
	}
}
