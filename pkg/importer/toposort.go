package importer

import (
	"container/heap"

	"github.com/zerfoo/zinfer/internal/onnx"
)

// intHeap is a min-heap of node indices, used to keep the topological
// order stable with respect to the original node order.
type intHeap []int

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)         { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topologicalOrder returns a permutation of node indices in which every
// node appears after all producers of its inputs. Names without a
// producing node (graph inputs, initializers, absent optional inputs)
// impose no ordering. Independent nodes keep their relative original
// order. A dependency cycle is an invalid graph and yields no order at
// all.
func topologicalOrder(nodes []*onnx.Node) ([]int, error) {
	producers := make(map[string]int)
	for i, node := range nodes {
		for _, output := range node.Outputs {
			if output != "" {
				producers[output] = i
			}
		}
	}

	consumers := make([][]int, len(nodes))
	inDegree := make([]int, len(nodes))
	for i, node := range nodes {
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			if j, ok := producers[input]; ok {
				consumers[j] = append(consumers[j], i)
				inDegree[i]++
			}
		}
	}

	ready := &intHeap{}
	for i := range nodes {
		if inDegree[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, len(nodes))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, j := range consumers[i] {
			inDegree[j]--
			if inDegree[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, newStatus(ErrorInvalidGraph, "topologicalOrder",
			"graph contains a cycle among node data dependencies")
	}
	return order, nil
}
