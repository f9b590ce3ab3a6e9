package task

import (
	"sync"
	"sync/atomic"
)

// Registry owns every live TaskNode and allocates task ids. Ids are unique
// within the process lifetime.
type Registry struct {
	nextID atomic.Int64

	mu    sync.Mutex
	nodes map[int64]*TaskNode
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[int64]*TaskNode)}
}

// Register assigns a task id to node and tracks it until Release.
func (r *Registry) Register(node *TaskNode) *TaskNode {
	node.TaskID = r.nextID.Add(1)
	r.mu.Lock()
	r.nodes[node.TaskID] = node
	r.mu.Unlock()
	return node
}

func (r *Registry) Get(taskID int64) (*TaskNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[taskID]
	return n, ok
}

// Release drops a node once it has stopped running and its counters have
// converged.
func (r *Registry) Release(taskID int64) {
	r.mu.Lock()
	delete(r.nodes, taskID)
	r.mu.Unlock()
}

// Running returns the nodes still marked running.
func (r *Registry) Running() []*TaskNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TaskNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.IsRunning() {
			out = append(out, n)
		}
	}
	return out
}

// StopAll raises the stop flag on every tracked node.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		n.StopTransmission()
	}
}
