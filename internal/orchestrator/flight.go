package orchestrator

import (
	"strings"
	"sync"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/synth"
)

// flight is one computation shared by every caller with the same
// fingerprint. It fans progress out to each caller and keeps the partial
// output a caller falls back to when its budget ends first.
type flight struct {
	mu   sync.Mutex
	refs int
	subs map[int]progress
	next int
	cur  model.State
	text strings.Builder // deltas since the last retry

	lanes []model.LaneResult
	docs  []model.Document
	draft *synth.Draft
}

// snapshot is the partial output of a flight.
type snapshot struct {
	lanes []model.LaneResult
	docs  []model.Document
	draft *synth.Draft
}

// subscribe replays the current state and any text generated so far, then
// forwards later progress to p until the returned func is called.
func (f *flight) subscribe(p progress) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]progress)
	}
	if f.cur != "" {
		p.state(f.cur)
	}
	if f.text.Len() > 0 {
		p.delta(f.text.String())
	}
	id := f.next
	f.next++
	f.subs[id] = p
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// each calls fn for every subscriber in subscription order. Callers hold mu
// so events reach every subscriber in the order they happened.
func (f *flight) each(fn func(progress)) {
	for id := 0; id < f.next; id++ {
		if p, ok := f.subs[id]; ok {
			fn(p)
		}
	}
}

func (f *flight) begin(string) {}

func (f *flight) state(s model.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = s
	f.each(func(p progress) { p.state(s) })
}

func (f *flight) delta(text string) {
	if text == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text.WriteString(text)
	f.each(func(p progress) { p.delta(text) })
}

func (f *flight) retry(provider string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text.Reset()
	f.each(func(p progress) { p.retry(provider, err) })
}

func (f *flight) retrieved(lanes []model.LaneResult, docs []model.Document) {
	f.mu.Lock()
	f.lanes, f.docs = lanes, docs
	f.mu.Unlock()
}

func (f *flight) drafted(d *synth.Draft) {
	f.mu.Lock()
	f.draft = d
	f.mu.Unlock()
}

func (f *flight) snapshot() snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return snapshot{lanes: f.lanes, docs: f.docs, draft: f.draft}
}

// flights tracks live flights by fingerprint. A flight stays registered
// while any caller or its computation holds a reference.
type flights struct {
	mu sync.Mutex
	m  map[string]*flight
}

func (fs *flights) join(fingerprint string) *flight {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.m == nil {
		fs.m = make(map[string]*flight)
	}
	f, ok := fs.m[fingerprint]
	if !ok {
		f = &flight{}
		fs.m[fingerprint] = f
	}
	f.refs++
	return f
}

// retain re-registers f if every caller already left while its computation
// is still running, so later callers subscribe to the live flight.
func (fs *flights) retain(fingerprint string, f *flight) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.m == nil {
		fs.m = make(map[string]*flight)
	}
	if _, ok := fs.m[fingerprint]; !ok {
		fs.m[fingerprint] = f
	}
	f.refs++
}

func (fs *flights) leave(fingerprint string, f *flight) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f.refs--
	if f.refs <= 0 && fs.m[fingerprint] == f {
		delete(fs.m, fingerprint)
	}
}
