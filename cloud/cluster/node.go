package cluster

import (
	"fmt"
)

type NodeId string

// Node is an executor process that can run query fragments. Admission
// accounting needs each backend's process memory limit, the ceiling on
// memory that can be reserved on that backend.
type Node interface {
	// A unique node identifier, like 'host:port'.
	Id() NodeId

	// The backend's process memory limit in bytes.
	ProcMemLimit() int64
}

type backendNode struct {
	id          NodeId
	procMemLimit int64
}

func (n *backendNode) String() string {
	return fmt.Sprintf("%s(procMemLimit:%d)", n.id, n.procMemLimit)
}

func NewBackendNode(id string, procMemLimit int64) Node {
	return &backendNode{id: NodeId(id), procMemLimit: procMemLimit}
}

// NewBackendNodes creates num backends named host1..hostN, all with the
// same process mem limit. Test and demo helper.
func NewBackendNodes(num int, procMemLimit int64) []Node {
	r := []Node{}
	for i := 0; i < num; i++ {
		r = append(r, NewBackendNode(fmt.Sprintf("host%d:25000", i+1), procMemLimit))
	}
	return r
}

func (n *backendNode) Id() NodeId {
	return n.id
}

func (n *backendNode) ProcMemLimit() int64 {
	return n.procMemLimit
}

var _ Node = (*backendNode)(nil)

type NodeSorter []Node

func (n NodeSorter) Len() int           { return len(n) }
func (n NodeSorter) Swap(i, j int)      { n[i], n[j] = n[j], n[i] }
func (n NodeSorter) Less(i, j int) bool { return n[i].Id() < n[j].Id() }

type NodeUpdateType int

const (
	NodeAdded NodeUpdateType = iota
	NodeRemoved
)

// NodeUpdate represents a change to the cluster.
type NodeUpdate struct {
	UpdateType NodeUpdateType
	Id         NodeId
	Node       Node // Only set for adds
}

func (u *NodeUpdate) String() string {
	return fmt.Sprintf("%v %v %v", u.UpdateType, u.Id, u.Node)
}

func NewAdd(node Node) NodeUpdate {
	return NodeUpdate{
		UpdateType: NodeAdded,
		Id:         node.Id(),
		Node:       node,
	}
}

func NewRemove(id NodeId) NodeUpdate {
	return NodeUpdate{
		UpdateType: NodeRemoved,
		Id:         id,
	}
}
