package engine

import (
	"strings"

	"github.com/specnet-ai/specviz/internal/model"
)

// packetWordThreshold is how many whitespace-delimited words accumulate on a
// lane before one packet is emitted. Packets are illustrative load
// indicators, deliberately decoupled from exact token granularity.
const packetWordThreshold = 3

// throttler converts per-lane word throughput into discrete packet events.
// Each lane keeps a word buffer; packet ids increase monotonically across
// both lanes within one engine instance.
type throttler struct {
	nextID  uint64
	buffers map[model.PacketLane]int
}

func newThrottler() *throttler {
	return &throttler{buffers: make(map[model.PacketLane]int)}
}

// dispatch adds text's word count to the lane buffer and returns the packets
// the lane now owes, draining the buffer in threshold units. The draft lane
// travels forward, the verify lane reverse; color is stamped verbatim.
func (t *throttler) dispatch(lane model.PacketLane, text, color string) []model.PacketEvent {
	t.buffers[lane] += wordCount(text)

	var out []model.PacketEvent
	for t.buffers[lane] >= packetWordThreshold {
		t.buffers[lane] -= packetWordThreshold
		t.nextID++
		out = append(out, model.PacketEvent{
			ID:        t.nextID,
			Direction: laneDirection(lane),
			Lane:      lane,
			Color:     color,
		})
	}
	return out
}

// remainder returns the words currently buffered on a lane.
func (t *throttler) remainder(lane model.PacketLane) int {
	return t.buffers[lane]
}

func laneDirection(lane model.PacketLane) model.PacketDirection {
	if lane == model.LaneVerify {
		return model.DirectionReverse
	}
	return model.DirectionForward
}

// wordCount counts whitespace-delimited non-empty words.
func wordCount(s string) int {
	return len(strings.Fields(s))
}
