// Package process implements the codec stage of the camera pipeline: decode
// and encode nodes chained by ProcessData, driving platform codecs through
// callbacks and handing their output back through event buses.
package process

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"firestige.xyz/dcamera/internal/core"
)

// DataProcess is one node of a processing chain. Each node owns the next one.
type DataProcess interface {
	// InitNode negotiates the node and returns the config it will emit downstream.
	InitNode(source, target core.VideoConfigParams) (core.VideoConfigParams, error)
	ProcessData(buffers []*core.DataBuffer) error
	// ReleaseProcessNode tears the node down and releases the rest of the chain.
	ReleaseProcessNode()
	SetNextNode(next DataProcess) error
	NextNode() DataProcess
	State() NodeState
}

// PipelineCallback is the owner side of a chain: the terminal node hands it
// finished buffers and every node reports fatal errors to it.
type PipelineCallback interface {
	OnProcessedVideoBuffer(buffer *core.DataBuffer)
	OnError(kind core.DataProcessErrorType)
}

// OwnerRef is a detachable handle to the pipeline owner. The owner clears it
// before it tears the chain down; nodes then drop their results. It keeps the
// owner reachable until cleared.
type OwnerRef struct {
	cb atomic.Pointer[ownerBox]
}

type ownerBox struct {
	cb PipelineCallback
}

// NewOwnerRef returns a handle pointing at cb.
func NewOwnerRef(cb PipelineCallback) *OwnerRef {
	r := &OwnerRef{}
	if cb != nil {
		r.cb.Store(&ownerBox{cb: cb})
	}
	return r
}

// Get returns the owner if it is still attached.
func (r *OwnerRef) Get() (PipelineCallback, bool) {
	if r == nil {
		return nil, false
	}
	box := r.cb.Load()
	if box == nil {
		return nil, false
	}
	return box.cb, true
}

// Clear detaches the owner.
func (r *OwnerRef) Clear() {
	if r != nil {
		r.cb.Store(nil)
	}
}

// NodeState is the lifecycle state of a node.
type NodeState int32

const (
	StateUninitialized NodeState = iota
	StateInitialized
	StateProcessing
	StateReleased
)

func (s NodeState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateProcessing:
		return "processing"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// baseNode carries what every node shares: the next link, the owner handle and the lifecycle.
type baseNode struct {
	name  string
	owner *OwnerRef

	nextMu sync.Mutex
	next   DataProcess

	state atomic.Int32
}

func (n *baseNode) State() NodeState { return NodeState(n.state.Load()) }

// SetNextNode links next after this node. A link that would close a cycle is rejected.
func (n *baseNode) SetNextNode(next DataProcess) error {
	n.nextMu.Lock()
	defer n.nextMu.Unlock()
	if next != nil && n.reaches(next) {
		return fmt.Errorf("%w: node %s already in chain", core.ErrBadValue, n.name)
	}
	n.next = next
	return nil
}

// reaches reports whether walking from start hits this node.
func (n *baseNode) reaches(start DataProcess) bool {
	for p := start; p != nil; p = p.NextNode() {
		if b, ok := p.(interface{ base() *baseNode }); ok && b.base() == n {
			return true
		}
	}
	return false
}

func (n *baseNode) base() *baseNode { return n }

func (n *baseNode) NextNode() DataProcess {
	n.nextMu.Lock()
	defer n.nextMu.Unlock()
	return n.next
}

// markReleased flips the node to Released and reports whether this call did it.
func (n *baseNode) markReleased() bool {
	return NodeState(n.state.Swap(int32(StateReleased))) != StateReleased
}

// accepting reports whether ProcessData may run, moving Initialized to Processing.
func (n *baseNode) accepting() bool {
	if n.state.CompareAndSwap(int32(StateInitialized), int32(StateProcessing)) {
		return true
	}
	return n.State() == StateProcessing
}

// releaseNext detaches the next node and releases it.
func (n *baseNode) releaseNext() {
	n.nextMu.Lock()
	next := n.next
	n.next = nil
	n.nextMu.Unlock()
	if next != nil {
		next.ReleaseProcessNode()
	}
}

// forward passes buffers to the next node, or to the owner when this node is last.
func (n *baseNode) forward(buffers []*core.DataBuffer) error {
	if next := n.NextNode(); next != nil {
		return next.ProcessData(buffers)
	}
	owner, ok := n.owner.Get()
	if !ok {
		slog.Debug("no pipeline owner, dropping output", "node", n.name, "count", len(buffers))
		return nil
	}
	for _, buf := range buffers {
		owner.OnProcessedVideoBuffer(buf)
	}
	return nil
}

func (n *baseNode) notifyError(kind core.DataProcessErrorType) {
	owner, ok := n.owner.Get()
	if !ok {
		slog.Warn("no pipeline owner for error", "node", n.name, "kind", kind)
		return
	}
	owner.OnError(kind)
}
