package cm

import (
	"slices"
	"sync"
	"time"

	"github.com/HerbHall/wlancm/internal/scoring"
	"github.com/HerbHall/wlancm/internal/serialization"
	"github.com/HerbHall/wlancm/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxRequests bounds the number of outstanding requests per vdev.
const DefaultMaxRequests = 5

// request is one queued operation. Exactly one of connect, disconnect and
// roam is set, matching kind.
type request struct {
	id      ID
	kind    Kind
	failed  bool
	created time.Time
	span    trace.Span
	// serType is the command currently submitted for the request, or ""
	// when nothing is in the scheduler.
	serType serialization.CmdType

	connect    *connectReq
	disconnect *disconnectReq
	roam       *roamReq
}

type connectReq struct {
	params           ConnectParams
	candidates       []scoring.Candidate
	cur              int
	attempts         int
	candidateRetries int
	scanID           uint32
	scanned          bool
	scanTimer        *time.Timer
	peer             bool
	failReason       FailReason
}

func (c *connectReq) candidate() *models.BSS {
	if c.cur < 0 || c.cur >= len(c.candidates) {
		return nil
	}
	return c.candidates[c.cur].BSS
}

type disconnectReq struct {
	params DisconnectParams
	// done receives the result for synchronous callers. Buffered, one slot.
	done chan DisconnectResult
}

type roamReq struct {
	params       RoamParams
	candidates   []scoring.Candidate
	cur          int
	preauthRetry int
	filtered     bool
	reassocTimer *time.Timer
	// started is set once START_REASSOC ran, so a later timer or FT IE
	// update does not start it twice.
	started     bool
	peer        bool
	selfReassoc bool
	fromConnect bool
	prevBSS     *models.BSS
}

func (r *roamReq) candidate() *models.BSS {
	if r.cur < 0 || r.cur >= len(r.candidates) {
		return nil
	}
	return r.candidates[r.cur].BSS
}

// reqList holds the outstanding requests of one vdev, newest first.
type reqList struct {
	mu   sync.Mutex
	vdev VdevID
	max  int
	seq  uint16
	reqs []*request
}

func newReqList(vdev VdevID, limit int) *reqList {
	if limit <= 0 {
		limit = DefaultMaxRequests
	}
	return &reqList{vdev: vdev, max: limit}
}

// room reports whether n more requests fit.
func (l *reqList) room(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reqs)+n <= l.max
}

// add assigns r an id and inserts it at the head.
func (l *reqList) add(r *request) (ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.reqs) >= l.max {
		return InvalidID, ErrListFull
	}
	r.id = l.nextIDLocked(r.kind.prefix())
	l.reqs = slices.Insert(l.reqs, 0, r)
	return r.id, nil
}

// nextIDLocked advances the sequence, skipping ids still outstanding.
func (l *reqList) nextIDLocked(p Prefix) ID {
	for {
		l.seq++
		id := makeID(p, l.vdev, l.seq)
		if id != InvalidID && l.findLocked(id) == nil {
			return id
		}
	}
}

func (l *reqList) findLocked(id ID) *request {
	for _, r := range l.reqs {
		if r.id == id {
			return r
		}
	}
	return nil
}

func (l *reqList) find(id ID) *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findLocked(id)
}

// remove deletes id and returns the removed request, or nil.
func (l *reqList) remove(id ID) *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.reqs {
		if r.id == id {
			l.reqs = slices.Delete(l.reqs, i, i+1)
			return r
		}
	}
	return nil
}

// isHead reports whether id is the most recently added request.
func (l *reqList) isHead(id ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reqs) > 0 && l.reqs[0].id == id
}

func (l *reqList) head() *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.reqs) == 0 {
		return nil
	}
	return l.reqs[0]
}

// newest returns the most recent request of kind.
func (l *reqList) newest(kind Kind) *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.reqs {
		if r.kind == kind {
			return r
		}
	}
	return nil
}

// oldest returns the earliest request of kind.
func (l *reqList) oldest(kind Kind) *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.reqs) - 1; i >= 0; i-- {
		if l.reqs[i].kind == kind {
			return l.reqs[i]
		}
	}
	return nil
}

// evictable returns the earliest connect or roam other than skip.
func (l *reqList) evictable(skip ID) *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.reqs) - 1; i >= 0; i-- {
		if r := l.reqs[i]; r.id != skip && r.kind != KindDisconnect {
			return r
		}
	}
	return nil
}

func (l *reqList) count(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.reqs {
		if r.kind == kind {
			n++
		}
	}
	return n
}

func (l *reqList) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reqs)
}

// take removes every request of kind (KindNone matches all), optionally
// only failed ones, leaving skip in place. The removed requests are
// returned oldest first so completions keep submission order.
func (l *reqList) take(kind Kind, onlyFailed bool, skip ID) []*request {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*request
	kept := l.reqs[:0]
	for _, r := range l.reqs {
		match := (kind == KindNone || r.kind == kind) &&
			(!onlyFailed || r.failed) &&
			r.id != skip
		if match {
			out = append(out, r)
			continue
		}
		kept = append(kept, r)
	}
	clear(l.reqs[len(kept):])
	l.reqs = kept
	slices.Reverse(out)
	return out
}

// ids returns the outstanding ids, newest first.
func (l *reqList) ids() []ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ID, len(l.reqs))
	for i, r := range l.reqs {
		out[i] = r.id
	}
	return out
}
