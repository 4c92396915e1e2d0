package buffering

import "slices"

// registry is the insertion-ordered collection of finalized segments, oldest
// first. It keeps a running total of buffered duration.
// Not safe for concurrent use; the Controller serialises access.
type registry struct {
	segments []SegmentInfo
	totalMs  int64
}

// push appends info at the tail.
func (r *registry) push(info SegmentInfo) {
	r.segments = append(r.segments, info)
	r.totalMs += info.DurationMs
}

// popOldest removes and returns the head of the sequence.
func (r *registry) popOldest() (SegmentInfo, bool) {
	if len(r.segments) == 0 {
		return SegmentInfo{}, false
	}
	head := r.segments[0]
	r.segments[0] = SegmentInfo{}
	r.segments = r.segments[1:]
	r.totalMs -= head.DurationMs
	if len(r.segments) == 0 {
		r.segments = nil
		r.totalMs = 0
	}
	return head, true
}

// reset empties the registry and returns what it held.
func (r *registry) reset() []SegmentInfo {
	out := r.segments
	r.segments = nil
	r.totalMs = 0
	return out
}

// snapshot returns a copy that callers may keep and modify freely.
func (r *registry) snapshot() []SegmentInfo {
	out := slices.Clone(r.segments)
	if out == nil {
		out = []SegmentInfo{}
	}
	return out
}

func (r *registry) find(id string) (SegmentInfo, bool) {
	i := slices.IndexFunc(r.segments, func(s SegmentInfo) bool { return s.ID == id })
	if i < 0 {
		return SegmentInfo{}, false
	}
	return r.segments[i], true
}

func (r *registry) len() int { return len(r.segments) }

func (r *registry) total() int64 { return r.totalMs }
