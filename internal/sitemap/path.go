package sitemap

// ShortestPath returns the waypoint ids of a fewest-hop route from start to
// end, both included. Neighbors are expanded in lexicographic order so the
// same graph always yields the same route. An empty result means no route.
func (m *Map) ShortestPath(start, end string) []string {
	if start == end {
		return []string{start}
	}
	parent := map[string]string{start: ""}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range m.adjacency[current] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = current
			if next == end {
				return tracePath(parent, start, end)
			}
			queue = append(queue, next)
		}
	}
	return []string{}
}

func tracePath(parent map[string]string, start, end string) []string {
	var reversed []string
	for id := end; id != start; id = parent[id] {
		reversed = append(reversed, id)
	}
	reversed = append(reversed, start)
	path := make([]string, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}
	return path
}
