package log

import (
	"os"
	"path/filepath"

	"github.com/mrshabel/gumraft/internal/raerr"
	"github.com/mrshabel/gumraft/internal/workqueue"
	"go.uber.org/zap"
)

// segmentPool implements the open-segment preparation protocol of spec.md
// 4.C: a target of cfg.PoolTargetSize pre-allocated segments, filled one at
// a time by a single in-flight preparation, queued requests served in FIFO
// order, with every failure mode (ENOSPC on allocate, fsync failure)
// collapsing the pool into an errored-but-still-readable state.
type segmentPool struct {
	dir    string
	cfg    Config
	loop   *workqueue.Loop
	logger *zap.Logger

	nextCounter uint64
	ready       []*segment
	pending     []func(*segment, error)

	prepareInflight bool
	errored         bool
	lastErr         error

	closing bool
	closeCB func()
}

func newSegmentPool(dir string, cfg Config, loop *workqueue.Loop, startCounter uint64, logger *zap.Logger) *segmentPool {
	return &segmentPool{
		dir:         dir,
		cfg:         cfg,
		loop:        loop,
		logger:      logger.Named("segment-pool"),
		nextCounter: startCounter,
	}
}

// Start kicks off preparation up to the target pool size. Call once after
// construction, on the main loop thread.
func (p *segmentPool) Start() {
	p.maybePrepare()
}

// Acquire requests an open segment. If the pool already has one ready it is
// handed back synchronously; otherwise the request queues and a
// preparation is started if none is already in flight.
func (p *segmentPool) Acquire(cb func(*segment, error)) {
	if p.errored {
		cb(nil, p.lastErr)
		return
	}
	if len(p.ready) > 0 {
		seg := p.ready[0]
		p.ready = p.ready[1:]
		cb(seg, nil)
		p.maybePrepare()
		return
	}
	p.pending = append(p.pending, cb)
	p.maybePrepare()
}

func (p *segmentPool) maybePrepare() {
	if p.closing || p.errored || p.prepareInflight {
		return
	}
	if len(p.ready)+1 > p.cfg.PoolTargetSize && len(p.pending) == 0 {
		return
	}
	p.prepareStart()
}

func (p *segmentPool) prepareStart() {
	p.prepareInflight = true
	counter := p.nextCounter
	p.nextCounter++
	dir, cfg := p.dir, p.cfg

	p.loop.Go(func() (any, error) {
		seg, err := newOpenSegment(dir, counter, cfg)
		if err != nil {
			return nil, err
		}
		// directory fsync makes the newly allocated files' directory
		// entries durable before we publish the segment as usable.
		if err := fsyncDir(dir); err != nil {
			seg.Close()
			return nil, err
		}
		return seg, nil
	}, p.prepareCb)
}

func (p *segmentPool) prepareCb(res any, err error) {
	p.prepareInflight = false

	if p.closing {
		if err == nil {
			seg := res.(*segment)
			seg.Remove()
		}
		if p.closeCB != nil {
			cb := p.closeCB
			p.closeCB = nil
			cb()
		}
		return
	}

	if err != nil {
		p.fail(err)
		return
	}

	seg := res.(*segment)
	seg.state = segReady
	if len(p.pending) > 0 {
		req := p.pending[0]
		p.pending = p.pending[1:]
		req(seg, nil)
	} else {
		p.ready = append(p.ready, seg)
	}
	p.maybePrepare()
}

// fail completes every pending request with err, marks the pool errored
// and stops further preparation. The earliest error message is preserved:
// if the pool was already errored (e.g. a prior failure with no pending
// requests to report it to), a later failure does not overwrite it.
func (p *segmentPool) fail(err error) {
	for _, req := range p.pending {
		req(nil, err)
	}
	p.pending = nil
	if !p.errored {
		p.errored = true
		p.lastErr = err
		p.logger.Error("segment preparation failed, pool is now errored", zap.Error(err))
	}
}

// Close cancels pending requests, discards ready segments, and waits for
// any in-flight preparation before invoking cb. cb fires synchronously if
// nothing was in flight.
func (p *segmentPool) Close(cb func()) {
	p.closing = true

	cancelErr := raerr.New(raerr.KindCanceled, "segment pool closing")
	for _, req := range p.pending {
		req(nil, cancelErr)
	}
	p.pending = nil

	for _, seg := range p.ready {
		seg.Remove()
	}
	p.ready = nil

	if !p.prepareInflight {
		cb()
		return
	}
	p.closeCB = cb
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// discoverNextCounter scans dir for existing "open-<n>" and "<first>-<last>"
// segment names and returns one greater than the highest open counter seen,
// so a restarted pool never reuses a counter. Closed-segment names don't
// carry a counter; only still-open files do.
func discoverNextCounter(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var max uint64
	seen := false
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".store" && ext != ".index" {
			continue
		}
		base := name[:len(name)-len(ext)]
		var counter uint64
		if _, err := fmtSscanOpen(base, &counter); err == nil {
			if !seen || counter >= max {
				max = counter
				seen = true
			}
		}
	}
	if !seen {
		return 0, nil
	}
	return max + 1, nil
}

func fmtSscanOpen(base string, counter *uint64) (int, error) {
	const prefix = "open-"
	if len(base) <= len(prefix) || base[:len(prefix)] != prefix {
		return 0, raerr.New(raerr.KindCorrupt, "not an open segment name")
	}
	var n uint64
	for _, c := range base[len(prefix):] {
		if c < '0' || c > '9' {
			return 0, raerr.New(raerr.KindCorrupt, "not a decimal counter")
		}
		n = n*10 + uint64(c-'0')
	}
	*counter = n
	return 1, nil
}
