package authoring

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/dukex/leadflow/pkg/models"
)

type edge struct {
	from, port, to string
}

// Project turns the canvas into a dense step sequence. Nodes are ordered
// topologically; nodes that become ready together are ordered top to bottom,
// then left to right, then by id. Edges leaving the true and false ports of a
// condition node become its branch destinations, a missing branch edge
// finishes the enrollment. Any other node whose out edge skips ahead, where
// branches rejoin, or that ends a path before the last step gets a forward
// Next jump.
func Project(canvas *Canvas) ([]*models.Step, error) {
	if canvas == nil || len(canvas.Nodes) == 0 {
		return []*models.Step{}, nil
	}

	nodes := make(map[string]*Node, len(canvas.Nodes))
	for _, node := range canvas.Nodes {
		if _, exists := nodes[node.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidCanvas, node.ID)
		}

		nodes[node.ID] = node
	}

	edges, err := resolveEdges(canvas, nodes)
	if err != nil {
		return nil, err
	}

	sorted, err := topologicalOrder(canvas.Nodes, edges)
	if err != nil {
		return nil, err
	}

	order := make(map[string]int, len(sorted))
	for i, node := range sorted {
		order[node.ID] = i + 1
	}

	outgoing := make(map[string]map[string]string, len(edges))
	for _, e := range edges {
		if outgoing[e.from] == nil {
			outgoing[e.from] = map[string]string{}
		}

		outgoing[e.from][e.port] = e.to
	}

	finish := len(sorted) + 1
	steps := make([]*models.Step, 0, len(sorted))

	for _, node := range sorted {
		step := &models.Step{
			Order:      order[node.ID],
			ActionType: node.Type,
			DelayDays:  node.DelayDays,
			Email:      node.Email,
			NextStatus: node.NextStatus,
		}

		ports := outgoing[node.ID]

		if node.Type == models.ActionCondition {
			condition := &models.ConditionAction{}
			if node.Condition != nil {
				condition.ConditionType = node.Condition.ConditionType
				condition.Expression = node.Condition.Expression
			}

			condition.OnTrue = destination(ports, PortTrue, order, finish)
			condition.OnFalse = destination(ports, PortFalse, order, finish)
			step.Condition = condition
		} else if dest := *destination(ports, PortOut, order, finish); dest != step.Order+1 {
			step.Next = &dest
		}

		steps = append(steps, step)
	}

	err = models.ValidateSteps(steps)
	if err != nil {
		return nil, err
	}

	return steps, nil
}

func destination(ports map[string]string, port string, order map[string]int, finish int) *int {
	dest := finish
	if target, ok := ports[port]; ok {
		dest = order[target]
	}

	return &dest
}

func resolveEdges(canvas *Canvas, nodes map[string]*Node) ([]edge, error) {
	edges := make([]edge, 0, len(canvas.Connections))
	used := make(map[string]bool, len(canvas.Connections))

	for _, conn := range canvas.Connections {
		fromID, port, ok := parsePortID(conn.SourcePort)
		if !ok {
			return nil, fmt.Errorf("%w: malformed source port %q", ErrInvalidCanvas, conn.SourcePort)
		}

		toID, in, ok := parsePortID(conn.TargetPort)
		if !ok || in != PortIn {
			return nil, fmt.Errorf("%w: malformed target port %q", ErrInvalidCanvas, conn.TargetPort)
		}

		from, ok := nodes[fromID]
		if !ok {
			return nil, fmt.Errorf("%w: connection from unknown node %q", ErrInvalidCanvas, fromID)
		}

		if _, ok := nodes[toID]; !ok {
			return nil, fmt.Errorf("%w: connection to unknown node %q", ErrInvalidCanvas, toID)
		}

		if !validPort(from.Type, port) {
			return nil, fmt.Errorf("%w: node %q of type %s has no %q port", ErrInvalidCanvas, fromID, from.Type, port)
		}

		if used[conn.SourcePort] {
			return nil, fmt.Errorf("%w: port %q has more than one connection", ErrInvalidCanvas, conn.SourcePort)
		}

		used[conn.SourcePort] = true

		edges = append(edges, edge{from: fromID, port: port, to: toID})
	}

	return edges, nil
}

func validPort(actionType models.ActionType, port string) bool {
	if actionType == models.ActionCondition {
		return port == PortTrue || port == PortFalse
	}

	return port == PortOut
}

// topologicalOrder runs Kahn's algorithm, picking the ready node closest to
// the top left corner of the canvas first.
func topologicalOrder(nodes []*Node, edges []edge) ([]*Node, error) {
	indegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string, len(nodes))

	for _, e := range edges {
		indegree[e.to]++
		successors[e.from] = append(successors[e.from], e.to)
	}

	ready := make([]*Node, 0, len(nodes))
	for _, node := range nodes {
		if indegree[node.ID] == 0 {
			ready = append(ready, node)
		}
	}

	if len(ready) > 1 {
		return nil, fmt.Errorf("%w: found %d", ErrMultipleEntries, len(ready))
	}

	byID := make(map[string]*Node, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}

	sorted := make([]*Node, 0, len(nodes))

	for len(ready) > 0 {
		slices.SortFunc(ready, compareLayout)

		node := ready[0]
		ready = ready[1:]
		sorted = append(sorted, node)

		for _, next := range successors[node.ID] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, byID[next])
			}
		}
	}

	if len(sorted) != len(nodes) {
		return nil, ErrCycle
	}

	return sorted, nil
}

func compareLayout(a, b *Node) int {
	return cmp.Or(
		cmp.Compare(a.PositionY, b.PositionY),
		cmp.Compare(a.PositionX, b.PositionX),
		cmp.Compare(a.ID, b.ID),
	)
}
