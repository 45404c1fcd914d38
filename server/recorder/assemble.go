package recorder

import (
	"sort"
	"time"

	"github.com/centinelacam/centinela/server/buffers"
)

// maxExpansionRounds bounds the minimum-duration expansion pass
const maxExpansionRounds = 10

// expansionOffset is the micro-timestamp step used when the expansion pass
// duplicates frames. Smaller than the violence buffer's own offset so
// expansion duplicates interleave cleanly.
const expansionOffset = 10 * time.Microsecond

// merge combines the violence set V and the context set X into one
// timestamp-ordered sequence. When a timestamp appears in both, the V frame
// wins: the operator must see the red-band overlay over the moment of
// violence, never a clean context frame that shares its second.
func merge(violence, context []*buffers.AnnotatedFrame) []*buffers.AnnotatedFrame {
	taken := make(map[time.Time]bool, len(violence))
	out := make([]*buffers.AnnotatedFrame, 0, len(violence)+len(context))
	for _, v := range violence {
		if !taken[v.Timestamp()] {
			taken[v.Timestamp()] = true
			out = append(out, v)
		}
	}
	for _, x := range context {
		if !taken[x.Timestamp()] {
			taken[x.Timestamp()] = true
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp().Before(out[j].Timestamp())
	})
	return out
}

// expand duplicates frames until the sequence holds at least target frames,
// preferring violent frames so short bursts of violence dominate the padded
// clip. Bounded to maxExpansionRounds; a pathological input yields a clip
// shorter than the minimum rather than a runaway loop.
// Returns the expanded sequence and the number of duplicates added.
func expand(seq []*buffers.AnnotatedFrame, target int) ([]*buffers.AnnotatedFrame, int) {
	if len(seq) == 0 {
		return seq, 0
	}
	added := 0
	for round := 1; round <= maxExpansionRounds && len(seq) < target; round++ {
		need := target - len(seq)
		next := make([]*buffers.AnnotatedFrame, 0, len(seq)+need)
		for _, f := range seq {
			next = append(next, f)
			if need > 0 && f.IsViolence {
				next = append(next, duplicateForExpansion(f, round))
				need--
				added++
			}
		}
		if need > 0 {
			// Not enough violent frames; pad with whatever we have
			grown := next
			next = make([]*buffers.AnnotatedFrame, 0, len(grown)+need)
			for _, f := range grown {
				next = append(next, f)
				if need > 0 {
					next = append(next, duplicateForExpansion(f, round))
					need--
					added++
				}
			}
		}
		sort.Slice(next, func(i, j int) bool {
			return next[i].Timestamp().Before(next[j].Timestamp())
		})
		seq = next
	}
	return seq, added
}

func duplicateForExpansion(f *buffers.AnnotatedFrame, round int) *buffers.AnnotatedFrame {
	d := *f
	frame := *f.Frame
	frame.WallTime = frame.WallTime.Add(time.Duration(round) * expansionOffset)
	frame.Mono += time.Duration(round) * expansionOffset
	d.Frame = &frame
	d.DuplicateOf = f.Frame.ID
	return &d
}
