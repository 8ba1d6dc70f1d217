// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package heap provides a minimal priority queue used for rarest-first
// piece/chunk selection.
package heap

import (
	"container/heap"
	"errors"
)

// Item is a value with an associated priority. Lower priority values are
// popped first.
type Item struct {
	Value    interface{}
	Priority int
}

// PriorityQueue is a min-heap of Items ordered by Priority.
type PriorityQueue struct {
	items items
}

// NewPriorityQueue creates a PriorityQueue seeded with items.
func NewPriorityQueue(items ...*Item) *PriorityQueue {
	pq := &PriorityQueue{}
	for _, item := range items {
		pq.items = append(pq.items, item)
	}
	heap.Init(&pq.items)
	return pq
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int {
	return pq.items.Len()
}

// Push adds item to the queue.
func (pq *PriorityQueue) Push(item *Item) {
	heap.Push(&pq.items, item)
}

// Pop removes and returns the lowest-priority item in the queue.
func (pq *PriorityQueue) Pop() (*Item, error) {
	if pq.items.Len() == 0 {
		return nil, errors.New("priority queue is empty")
	}
	return heap.Pop(&pq.items).(*Item), nil
}

type items []*Item

func (is items) Len() int { return len(is) }

func (is items) Less(i, j int) bool { return is[i].Priority < is[j].Priority }

func (is items) Swap(i, j int) {
	is[i], is[j] = is[j], is[i]
}

func (is *items) Push(x interface{}) {
	item := x.(*Item)
	*is = append(*is, item)
}

func (is *items) Pop() interface{} {
	old := *is
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*is = old[:n-1]
	return item
}
