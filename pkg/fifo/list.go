// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package fifo is an intrusive doubly linked queue. Callers keep the returned
// cell to unlink an element in constant time.
package fifo

import "fmt"

type ErrEmptyList struct{}

func (err ErrEmptyList) Error() string {
	return "can't remove from an empty list"
}

type ErrForeignCell struct{}

func (err ErrForeignCell) Error() string {
	return "cell does not belong to this list"
}

type Cell[T any] struct {
	value    T
	next     *Cell[T]
	previous *Cell[T]
	owner    *List[T]
}

func (cell *Cell[T]) Value() T {
	return cell.value
}

// Linked reports whether the cell is still part of a list.
func (cell *Cell[T]) Linked() bool {
	return cell != nil && cell.owner != nil
}

type List[T any] struct {
	head *Cell[T]
	tail *Cell[T]
	size int
}

func New[T any]() *List[T] {
	return &List[T]{}
}

func (list *List[T]) Len() int {
	return list.size
}

func (list *List[T]) AddRear(element T) *Cell[T] {
	cell := &Cell[T]{value: element, owner: list}
	if list.tail == nil {
		list.head = cell
		list.tail = cell
	} else {
		cell.previous = list.tail
		list.tail.next = cell
		list.tail = cell
	}
	list.size += 1
	return cell
}

// AddFront is used for priority elements which must overtake the queue.
func (list *List[T]) AddFront(element T) *Cell[T] {
	cell := &Cell[T]{value: element, owner: list}
	if list.head == nil {
		list.head = cell
		list.tail = cell
	} else {
		cell.next = list.head
		list.head.previous = cell
		list.head = cell
	}
	list.size += 1
	return cell
}

func (list *List[T]) Front() (T, bool) {
	var defaultValue T
	if list.head == nil {
		return defaultValue, false
	}
	return list.head.value, true
}

func (list *List[T]) RemoveFront() (T, error) {
	var defaultValue T
	if list.size == 0 {
		return defaultValue, &ErrEmptyList{}
	}
	return list.RemoveByPointer(list.head)
}

func (list *List[T]) RemoveByPointer(cell *Cell[T]) (T, error) {
	var defaultValue T
	if list.size == 0 {
		return defaultValue, &ErrEmptyList{}
	}
	if cell == nil || cell.owner != list {
		return defaultValue, &ErrForeignCell{}
	}
	if cell.previous != nil {
		cell.previous.next = cell.next
	} else {
		list.head = cell.next
	}
	if cell.next != nil {
		cell.next.previous = cell.previous
	} else {
		list.tail = cell.previous
	}
	if list.size == 1 && (list.head != nil || list.tail != nil) {
		return defaultValue, fmt.Errorf("broken list, last element removed but list is not empty")
	}
	cell.next = nil
	cell.previous = nil
	cell.owner = nil
	list.size -= 1
	return cell.value, nil
}

// Drain removes every element and returns them in queue order.
func (list *List[T]) Drain() []T {
	result := list.Content()
	for cell := list.head; cell != nil; {
		next := cell.next
		cell.next = nil
		cell.previous = nil
		cell.owner = nil
		cell = next
	}
	list.head = nil
	list.tail = nil
	list.size = 0
	return result
}

func (list *List[T]) Content() []T {
	result := make([]T, 0, list.size)
	for cell := list.head; cell != nil; cell = cell.next {
		result = append(result, cell.value)
	}
	return result
}
