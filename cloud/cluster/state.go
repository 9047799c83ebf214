package cluster

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

type state struct {
	// current view of our nodes
	nodes map[NodeId]Node
}

func makeState(nodes []Node) *state {
	s := &state{
		nodes: make(map[NodeId]Node),
	}
	s.setAndDiff(nodes)
	return s
}

// setAndDiff takes the new membership as an argument and creates node
// updates based on the diff with the previous membership.
func (s *state) setAndDiff(newState []Node) []NodeUpdate {
	added := []Node{}
	for _, n := range newState {
		if _, exists := s.nodes[n.Id()]; exists {
			// remove from s.nodes so that s.nodes ends up containing only
			// the nodes removed in this diff
			delete(s.nodes, n.Id())
		} else {
			added = append(added, n)
		}
	}
	removed := []Node{}
	for _, n := range s.nodes {
		removed = append(removed, n)
	}
	sort.Sort(NodeSorter(added))
	sort.Sort(NodeSorter(removed))
	outgoing := []NodeUpdate{}
	for _, n := range added {
		log.Infof("Backend added: %s", n)
		outgoing = append(outgoing, NewAdd(n))
	}
	for _, n := range removed {
		log.Infof("Backend removed: %s", n.Id())
		outgoing = append(outgoing, NewRemove(n.Id()))
	}

	// reset nodes map, assign to new state
	s.nodes = make(map[NodeId]Node)
	for _, n := range newState {
		s.nodes[n.Id()] = n
	}
	return outgoing
}

// update applies incremental add/remove updates.
func (s *state) update(updates []NodeUpdate) {
	for _, u := range updates {
		switch u.UpdateType {
		case NodeAdded:
			s.nodes[u.Id] = u.Node
		case NodeRemoved:
			delete(s.nodes, u.Id)
		}
	}
}
