package buffering

// enforceRetention evicts segments oldest-first until the registry's total
// duration is at most maxMs or the registry is empty. remove is called for
// each evicted segment after it has left the registry; its failure never
// stops the loop.
func enforceRetention(r *registry, maxMs int64, remove func(SegmentInfo)) []SegmentInfo {
	var evicted []SegmentInfo
	for r.total() > maxMs {
		head, ok := r.popOldest()
		if !ok {
			break
		}
		remove(head)
		evicted = append(evicted, head)
	}
	return evicted
}
