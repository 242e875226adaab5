package conversation

import (
	"fmt"
	"sort"
	"strings"
)

// BridgeMixer is the weighted input/output matrix across participants
// sharing a media interface. Cell (i,j) is the gain from participant
// i's output into participant j's input, 0..100; the diagonal is always
// zero. The matrix is recomputed on every membership or gain change and
// only mutated on the stack goroutine.
type BridgeMixer struct {
	engine  MediaEngine
	weights map[ParticipantHandle]map[ParticipantHandle]int
}

func newBridgeMixer(engine MediaEngine) *BridgeMixer {
	return &BridgeMixer{
		engine:  engine,
		weights: make(map[ParticipantHandle]map[ParticipantHandle]int),
	}
}

// Weight returns the current weight of cell (src, dst).
func (bm *BridgeMixer) Weight(src, dst ParticipantHandle) int {
	return bm.weights[src][dst]
}

// recompute rebuilds the matrix from the conversations: two participants
// bridge when they share a conversation, with the product of the
// source's input gain and the sink's output gain.
func (bm *BridgeMixer) recompute(conversations map[ConversationHandle]*Conversation) {
	next := make(map[ParticipantHandle]map[ParticipantHandle]int, len(bm.weights))

	for _, conv := range conversations {
		for _, src := range conv.members {
			for _, dst := range conv.members {
				if src.Handle() == dst.Handle() {
					continue
				}
				w := conv.gains[src.Handle()].input * conv.gains[dst.Handle()].output / 100
				w = min(max(w, 0), 100)

				row := next[src.Handle()]
				if row == nil {
					row = make(map[ParticipantHandle]int)
					next[src.Handle()] = row
				}
				if w > row[dst.Handle()] {
					row[dst.Handle()] = w
				}
			}
		}
	}

	// drive the deltas into the engine, clearing removed cells
	for src, row := range bm.weights {
		for dst, old := range row {
			if next[src][dst] == 0 && old != 0 {
				bm.engine.ApplyWeight(src, dst, 0)
			}
		}
	}
	for src, row := range next {
		for dst, w := range row {
			if bm.weights[src][dst] != w {
				bm.engine.ApplyWeight(src, dst, w)
			}
		}
	}
	bm.weights = next
}

// Output renders the matrix as rows labelled by participant handle.
func (bm *BridgeMixer) Output() string {
	handles := make([]ParticipantHandle, 0, len(bm.weights))
	seen := make(map[ParticipantHandle]struct{})
	add := func(h ParticipantHandle) {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			handles = append(handles, h)
		}
	}
	for src, row := range bm.weights {
		add(src)
		for dst := range row {
			add(dst)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	var sb strings.Builder
	sb.WriteString("bridge matrix:\n")
	fmt.Fprintf(&sb, "%12s", "")
	for _, dst := range handles {
		fmt.Fprintf(&sb, "%8d", dst)
	}
	sb.WriteByte('\n')
	for _, src := range handles {
		fmt.Fprintf(&sb, "%12d", src)
		for _, dst := range handles {
			if src == dst {
				fmt.Fprintf(&sb, "%8d", 0)
				continue
			}
			fmt.Fprintf(&sb, "%8d", bm.weights[src][dst])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
