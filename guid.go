package lightz

import (
	"encoding/binary"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/zoobzio/clockz"
)

// guidBatch is how many GUIDs one entropy read produces.
const guidBatch = 64

// guidSource hands out random non-zero 64-bit span and trace GUIDs as
// lowercase hex. A background goroutine keeps a channel filled in batches so
// span creation rarely reads entropy itself.
//
// When the entropy source fails, GUIDs are derived from the clock and a
// process counter instead. Those are unique within the process only.
type guidSource struct {
	entropy   io.Reader
	clock     clockz.Clock
	logger    hclog.Logger
	ids       chan uint64
	stopCh    chan struct{}
	stopOnce  sync.Once
	warnOnce  sync.Once
	fallbacks atomic.Uint64
}

// newGUIDSource starts a source buffering up to capacity GUIDs.
func newGUIDSource(capacity int, clock clockz.Clock, entropy io.Reader, logger hclog.Logger) *guidSource {
	g := &guidSource{
		entropy: entropy,
		clock:   clock,
		logger:  logger,
		ids:     make(chan uint64, capacity),
		stopCh:  make(chan struct{}),
	}
	go g.fill()
	return g
}

// Get returns a GUID, generating one inline when the buffer is empty.
// Keeps working after Close.
func (g *guidSource) Get() string {
	select {
	case id := <-g.ids:
		return strconv.FormatUint(id, 16)
	default:
	}

	var one [1]uint64
	for g.read(one[:]) == 0 {
	}
	return strconv.FormatUint(one[0], 16)
}

func (g *guidSource) fill() {
	var batch [guidBatch]uint64
	for {
		n := g.read(batch[:])
		for _, id := range batch[:n] {
			select {
			case g.ids <- id:
			case <-g.stopCh:
				return
			}
		}
	}
}

// read fills dst with non-zero GUIDs and returns how many it produced.
// Zero is skipped since collectors treat it as "no id".
func (g *guidSource) read(dst []uint64) int {
	var buf [8 * guidBatch]byte
	raw := buf[:8*len(dst)]
	if _, err := io.ReadFull(g.entropy, raw); err != nil {
		g.warnOnce.Do(func() {
			g.logger.Warn("entropy source failed, deriving GUIDs from the clock", "error", err)
		})
		dst[0] = g.fallback()
		return 1
	}

	n := 0
	for i := range dst {
		if v := binary.BigEndian.Uint64(raw[i*8:]); v != 0 {
			dst[n] = v
			n++
		}
	}
	return n
}

func (g *guidSource) fallback() uint64 {
	seq := g.fallbacks.Add(1)
	id := uint64(g.clock.Now().UnixNano()) ^ (seq << 48) ^ seq
	if id == 0 {
		id = seq
	}
	return id
}

// Close stops the fill goroutine. Safe to call multiple times.
func (g *guidSource) Close() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}
