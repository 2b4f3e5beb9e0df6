package dbengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronolith/dbengine/internal/datafile"
	"github.com/chronolith/dbengine/internal/evloop"
	"github.com/chronolith/dbengine/internal/metricregistry"
	"github.com/chronolith/dbengine/internal/pagecache"
	"github.com/chronolith/dbengine/internal/pagedata"
	"github.com/chronolith/dbengine/internal/query"
	"github.com/chronolith/dbengine/internal/writepath"
)

// openExtent is the engine's own in-memory index of a flushed page's
// on-disk location, populated by the write path's OnClean hook. It plays
// the role spec.md §4.5/§4.8 gives the open cache for datafiles that
// haven't been indexed into journal v2 yet. ExtentOffset/ExtentLength
// locate the framed extent on disk; PayloadOffset/PayloadLength locate
// this page's slice within the extent's decompressed payload (spec.md
// §4.10 — the two never coincide once LZ4 compression wins).
type openExtent struct {
	fileNo               uint32
	startTimeS, endTimeS int64
	updateEveryS         int64
	pageType             datafile.PageType
	entries              int
	extentOffset         int64
	extentLength         int
	payloadOffset        int
	payloadLength        int
}

// datafilePair is one datafile with its paired journal v1, aligned read
// descriptor, and (once the indexing sweep has run) journal v2 index.
type datafilePair struct {
	fileNo  uint32
	df      *datafile.File
	jr      *datafile.Journal
	aligned *datafile.AlignedReader

	dfPath, jrPath, jv2Path string

	mu  sync.Mutex
	jv2 *datafile.JournalV2
}

func (p *datafilePair) setJV2(j *datafile.JournalV2) {
	p.mu.Lock()
	p.jv2 = j
	p.mu.Unlock()
}

func (p *datafilePair) getJV2() *datafile.JournalV2 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jv2
}

func (p *datafilePair) close() error {
	var errs []error
	if err := p.jr.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.df.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.aligned != nil {
		if err := p.aligned.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Engine is one running private-instance store: a metric registry, page
// cache, extent cache, an ordered list of datafile/journal pairs (the
// last being the active write target), and the background event loop
// driving periodic flush, rotation, indexing, and retention sweeps.
type Engine struct {
	cfg      Config
	logger   *log.Logger
	reg      *metricregistry.Registry
	cache    *pagecache.Cache
	extCache *datafile.ExtentCache
	section  metricregistry.Section
	pageType pagedata.PageType

	mu     sync.Mutex
	fileNo uint32 // next file number to assign
	files  []*datafilePair
	open   map[uuid.UUID][]openExtent

	// flushMu serializes flush attempts with the rotation they may
	// trigger, making "create a new datafile pair" single-flight
	// (spec.md §4.2 step 6).
	flushMu sync.Mutex
	writer  *writepath.Writer
	stats   datafile.Stats

	// router dedups concurrent LoadMetricInit calls that need pages from
	// the same extent (spec.md §4.4, C7/C8).
	router *query.Router

	loop *evloop.Loop
}

// New opens one engine instance rooted at cfg.DBFilesPath, recovering
// any datafile/journal pairs a previous run left there and otherwise
// creating a fresh pair.
func New(cfg Config) (*Engine, error) {
	if cfg.DBFilesPath == "" {
		return nil, fmt.Errorf("dbengine: Config.DBFilesPath is required")
	}
	pt, err := cfg.resolvePageType()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DBFilesPath, 0o755); err != nil {
		return nil, fmt.Errorf("dbengine: create %s: %w", cfg.DBFilesPath, err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   log.New(os.Stderr, "dbengine: ", log.LstdFlags),
		reg:      metricregistry.New(),
		cache:    pagecache.New(cfg.PageCacheTargetBytes),
		extCache: datafile.NewExtentCache(cfg.ExtentCacheMaxBytes),
		section:  metricregistry.Section(cfg.Tier),
		pageType: pt,
		fileNo:   1,
		open:     make(map[uuid.UUID][]openExtent),
		router:   query.NewRouter(),
	}

	recovered, err := e.recoverExistingPairs()
	if err != nil {
		return nil, err
	}
	if len(recovered) > 0 {
		e.files = recovered
	} else {
		pair, err := e.createPair()
		if err != nil {
			return nil, err
		}
		e.files = []*datafilePair{pair}
	}
	e.writer = &writepath.Writer{Cache: e.cache, Stats: &e.stats, OnClean: e.onPageClean}

	return e, nil
}

// createPair creates the next-numbered datafile/journal pair on disk.
func (e *Engine) createPair() (*datafilePair, error) {
	e.mu.Lock()
	fileNo := e.fileNo
	e.fileNo++
	e.mu.Unlock()

	dfPath := filepath.Join(e.cfg.DBFilesPath, fmt.Sprintf("datafile-%d-%d.ndf", e.cfg.Tier, fileNo))
	jrPath := filepath.Join(e.cfg.DBFilesPath, fmt.Sprintf("journalfile-%d-%d.njf", e.cfg.Tier, fileNo))
	jv2Path := filepath.Join(e.cfg.DBFilesPath, fmt.Sprintf("journalfile-%d-%d.njfv2", e.cfg.Tier, fileNo))

	df, err := datafile.Create(dfPath, e.cfg.Tier, fileNo, e.cfg.MaxDatafileBytes)
	if err != nil {
		return nil, err
	}
	jr, err := datafile.CreateJournal(jrPath)
	if err != nil {
		df.Close()
		return nil, err
	}
	aligned, err := datafile.OpenAligned(dfPath)
	if err != nil {
		jr.Close()
		df.Close()
		return nil, err
	}
	return &datafilePair{
		fileNo:  fileNo,
		df:      df,
		jr:      jr,
		aligned: aligned,
		dfPath:  dfPath,
		jrPath:  jrPath,
		jv2Path: jv2Path,
	}, nil
}

// activePair returns the current write target (the newest datafile).
func (e *Engine) activePair() *datafilePair {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.files[len(e.files)-1]
}

// pairByFileNo resolves a datafile pair for the read path, or nil if the
// file has been rotated away and deleted.
func (e *Engine) pairByFileNo(fileNo uint32) *datafilePair {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.files {
		if p.fileNo == fileNo {
			return p
		}
	}
	return nil
}

// StartBackground launches the event loop's worker pool and its two
// cron-scheduled sweeps (spec.md §4.7).
func (e *Engine) StartBackground() error {
	e.loop = evloop.New(e.cfg.WorkerPoolSize, e.cfg.MaxFlushers)
	return e.loop.Start(e.cfg.RotateCronSpec, e.cfg.JournalIndexCronSpec, e.onRotateSweep, e.onJournalIndexSweep)
}

// StopBackground drains and stops the event loop, if it was started.
func (e *Engine) StopBackground() {
	if e.loop != nil {
		e.loop.Stop()
	}
}

// Close closes every datafile and journal. Callers must call
// StopBackground first if StartBackground was used.
func (e *Engine) Close() error {
	e.mu.Lock()
	files := append([]*datafilePair(nil), e.files...)
	e.mu.Unlock()
	var errs []error
	for _, p := range files {
		if err := p.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runOnLoop executes h through the event loop's worker pool when the
// background loop is running, and inline otherwise (tests and embedders
// that never call StartBackground drive everything synchronously).
func (e *Engine) runOnLoop(op evloop.Opcode, prio evloop.Priority, h func() error) error {
	if e.loop == nil {
		return h()
	}
	cmd := &evloop.Command{
		Op:       op,
		Priority: prio,
		Handler:  func(context.Context, any) error { return h() },
	}
	e.loop.Submit(cmd)
	return cmd.Wait()
}

// loopPriority clamps a query's integer priority onto the event loop's
// STORAGE_PRIORITY levels.
func loopPriority(p int) evloop.Priority {
	if p < int(evloop.PriorityInternal) {
		return evloop.PriorityInternal
	}
	if p > int(evloop.PriorityBestEffort) {
		return evloop.PriorityBestEffort
	}
	return evloop.Priority(p)
}

// Handle is an acquired reference to one metric, returned by
// MetricGetOrCreate and consumed by every other per-metric operation
// (spec.md §6.4 "metric_get_or_create").
type Handle struct {
	m  *metricregistry.Metric
	id uuid.UUID
}

// UUID returns the metric's identifier.
func (h *Handle) UUID() uuid.UUID { return h.id }

// MetricGetOrCreate returns a reference-counted handle for id, creating
// the metric's registry entry on first use.
func (e *Engine) MetricGetOrCreate(id uuid.UUID) *Handle {
	return &Handle{m: e.reg.AcquireByUUID(e.section, id), id: id}
}

// MetricRelease drops h's reference (spec.md §4.8). The registry entry is
// deleted only once retention recalculation — driven by datafile deletion
// in the retention sweep — has marked the metric's disk retention zero.
func (e *Engine) MetricRelease(h *Handle) {
	e.reg.ReleaseAndDelete(h.m, false)
}

// MetricRetentionByUUID returns a metric's current retention window
// without acquiring a reference (spec.md §6.4).
func (e *Engine) MetricRetentionByUUID(id uuid.UUID) (firstTimeS, lastTimeS int64, ok bool) {
	m, found := e.reg.Lookup(e.section, id)
	if !found {
		return 0, 0, false
	}
	first, last := m.Retention()
	return first, last, true
}

// TierDiskSpaceUsed returns the tier's total logical size in bytes across
// all datafiles (spec.md §6.4).
func (e *Engine) TierDiskSpaceUsed() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total int64
	for _, p := range e.files {
		total += p.df.Size()
	}
	return total
}

// onPageClean is the write path's promotion hook: it records the flushed
// page's on-disk location in the engine's open index, keyed by metric and
// ordered by start time for range scans.
func (e *Engine) onPageClean(c writepath.Candidate, df *datafile.File, extentOffset int64, extentLength int, payloadOffset int, payloadLength int) {
	entries := int(c.Entries)
	if entries == 0 && c.UpdateEveryS > 0 {
		entries = int((c.EndTimeUT-c.StartTimeUT)/uint64(c.UpdateEveryS)) + 1
	}
	oe := openExtent{
		fileNo:        df.FileNo,
		startTimeS:    int64(c.StartTimeUT),
		endTimeS:      int64(c.EndTimeUT),
		updateEveryS:  c.UpdateEveryS,
		pageType:      c.Type,
		entries:       entries,
		extentOffset:  extentOffset,
		extentLength:  extentLength,
		payloadOffset: payloadOffset,
		payloadLength: payloadLength,
	}
	e.mu.Lock()
	list := e.open[c.MetricUUID]
	i := sort.Search(len(list), func(i int) bool { return list[i].startTimeS >= oe.startTimeS })
	list = append(list, openExtent{})
	copy(list[i+1:], list[i:])
	list[i] = oe
	e.open[c.MetricUUID] = list
	e.mu.Unlock()
}

// openCacheEarliest scans the open index for a metric's earliest flushed
// start time, the fallback retention recalculation consults before
// declaring zero disk retention (spec.md §4.8 step 3).
func (e *Engine) openCacheEarliest(id uuid.UUID) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.open[id]
	if len(list) == 0 {
		return 0, false
	}
	return list[0].startTimeS, true
}

// flush drives one writepath.Flush call against the active datafile,
// rotating to a fresh datafile pair when the active one is full
// (spec.md §4.2 step 6) and retrying the batch there.
func (e *Engine) flush(cands []writepath.Candidate) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	cur := e.activePair()
	err := e.writer.Flush(cur.df, cur.jr, cands)
	if err == nil || !errors.Is(err, datafile.ErrWouldExceedMaxSize) {
		return err
	}

	next, rerr := e.createPair()
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	cur.df.MarkSuperseded()
	e.mu.Lock()
	e.files = append(e.files, next)
	e.mu.Unlock()

	return e.writer.Flush(next.df, next.jr, cands)
}

// onRotateSweep is the periodic background maintenance pass: it drains
// whatever DIRTY pages HotToDirtyAndRelease queued but a collector's own
// rotation hasn't already flushed synchronously, flushes them as one
// extent through the flush-main opcode, shrinks the page cache back to
// its CLEAN target, and enforces the tier's disk/retention budget.
// Grounded on tinySQL's Scheduler-driven checkpoint sweep
// (internal/storage/scheduler.go).
func (e *Engine) onRotateSweep() {
	pages := e.cache.DrainFlushQueue(writepath.MaxPagesPerExtent)
	cands := make([]writepath.Candidate, 0, len(pages))
	for _, p := range pages {
		// The flush queue hands out unreferenced handles; take a real
		// reference for the duration of the write.
		acquired, ok := e.cache.GetAndAcquire(p.Key(), pagecache.SearchExact)
		if !ok {
			continue
		}
		if acquired.State() != pagecache.StateDirty {
			// Already flushed synchronously by the collector.
			e.cache.Release(acquired)
			continue
		}
		cand, ok := candidateFromPage(acquired)
		if !ok {
			e.cache.Release(acquired)
			continue
		}
		cands = append(cands, cand)
	}
	if len(cands) > 0 {
		err := e.runOnLoop(evloop.OpFlushMain, evloop.PriorityInternal, func() error {
			return e.flush(cands)
		})
		if err != nil {
			e.logger.Printf("background flush sweep: %v", err)
		}
		for _, c := range cands {
			e.cache.Release(c.Page)
		}
	}

	if e.cfg.PageCacheTargetBytes > 0 {
		e.cache.EvictUntil(e.cfg.PageCacheTargetBytes)
	}
	e.enforceRetention()
}

// candidateFromPage builds a flush candidate from a DIRTY page's writer
// payload, handling each collector codec.
func candidateFromPage(p *pagecache.Page) (writepath.Candidate, bool) {
	key := p.Key()
	base := writepath.Candidate{
		Page:         p,
		MetricUUID:   key.MetricUUID,
		StartTimeUT:  uint64(key.StartTimeS),
		EndTimeUT:    uint64(p.EndTimeS()),
		UpdateEveryS: p.UpdateEveryS(),
	}
	switch w := p.Data().(type) {
	case *pagedata.Array32Writer:
		base.Type = datafile.PageType(pagedata.PageTypeArray32)
		base.Raw = append([]byte(nil), w.Bytes()...)
	case *pagedata.Tier1Writer:
		base.Type = datafile.PageType(pagedata.PageTypeArrayTier1)
		base.Raw = append([]byte(nil), w.Bytes()...)
	case *pagedata.GorillaEncoder:
		base.Type = datafile.PageType(pagedata.PageTypeGorilla32)
		base.Raw = append([]byte(nil), w.Bytes()...)
		base.Entries = uint32(w.Len())
		base.DeltaTimeS = uint32(p.EndTimeS() - key.StartTimeS)
	default:
		return writepath.Candidate{}, false
	}
	return base, true
}

// onJournalIndexSweep migrates drained, superseded datafiles to journal
// v2: for each rotated-away pair whose writers have finished, it replays
// journal v1, walks the journaled extents, persists the immutable index
// next to the pair, and keeps the parsed index in memory for retention
// recalculation (spec.md §4.7 "at most one migration-to-v2 per context" —
// single-flight is enforced by the event loop's cron wrapper).
func (e *Engine) onJournalIndexSweep() {
	e.mu.Lock()
	files := append([]*datafilePair(nil), e.files...)
	e.mu.Unlock()
	if len(files) < 2 {
		return
	}

	for _, pair := range files[:len(files)-1] {
		if !pair.df.NeedsIndexing() || !pair.df.WritersDrained() {
			continue
		}
		jv2, err := datafile.BuildJournalV2FromDatafile(pair.df, pair.jr)
		if err != nil {
			e.logger.Printf("journal v2 index for %s: %v", pair.dfPath, err)
			continue
		}
		if err := jv2.Save(pair.jv2Path); err != nil {
			e.logger.Printf("save journal v2 %s: %v", pair.jv2Path, err)
			continue
		}
		pair.setJV2(jv2)
		pair.df.ClearNeedsIndexing()
	}
}

// enforceRetention deletes oldest datafile pairs while the tier exceeds
// its disk budget, or while the oldest pair's entire time range has aged
// past MaxRetentionS. The active pair is never deleted.
func (e *Engine) enforceRetention() {
	for {
		e.mu.Lock()
		n := len(e.files)
		var total int64
		for _, p := range e.files {
			total += p.df.Size()
		}
		var oldest *datafilePair
		if n > 1 {
			oldest = e.files[0]
		}
		e.mu.Unlock()

		if oldest == nil {
			return
		}

		overSpace := e.cfg.MaxDiskSpaceBytes > 0 && total > e.cfg.MaxDiskSpaceBytes
		overAge := false
		if e.cfg.MaxRetentionS > 0 {
			if newest, ok := e.pairNewestTimeS(oldest); ok {
				overAge = newest < time.Now().Unix()-e.cfg.MaxRetentionS
			}
		}
		if !overSpace && !overAge {
			return
		}
		if err := e.deleteOldestDatafile(); err != nil {
			e.logger.Printf("retention: delete %s: %v", oldest.dfPath, err)
			return
		}
	}
}

// pairNewestTimeS returns the newest end time indexed in a pair's journal
// v2, building the index on demand if the sweep hasn't reached it yet.
func (e *Engine) pairNewestTimeS(pair *datafilePair) (int64, bool) {
	jv2 := pair.getJV2()
	if jv2 == nil {
		built, err := datafile.BuildJournalV2FromDatafile(pair.df, pair.jr)
		if err != nil {
			return 0, false
		}
		pair.setJV2(built)
		jv2 = built
	}
	var newest int64
	found := false
	for _, pages := range jv2.Metrics {
		for _, pe := range pages {
			if t := int64(jv2.StartTimeUT) + pe.DeltaEndS; !found || t > newest {
				newest = t
				found = true
			}
		}
	}
	return newest, found
}

// deleteOldestDatafile removes the oldest pair from the engine, runs
// retention recalculation over the survivors (spec.md §4.8), and unlinks
// the pair's files. The pair is taken out of the datafile list first so
// no new read routes to it; an in-flight read that loses this race fails
// its pages, which the query layer reports per-PD rather than as a query
// error.
func (e *Engine) deleteOldestDatafile() error {
	e.mu.Lock()
	if len(e.files) < 2 {
		e.mu.Unlock()
		return nil
	}
	doomed := e.files[0]
	e.files = e.files[1:]
	remaining := append([]*datafilePair(nil), e.files...)
	for id, list := range e.open {
		kept := list[:0]
		for _, oe := range list {
			if oe.fileNo != doomed.fileNo {
				kept = append(kept, oe)
			}
		}
		if len(kept) == 0 {
			delete(e.open, id)
		} else {
			e.open[id] = kept
		}
	}
	e.mu.Unlock()

	doomedJV2 := doomed.getJV2()
	if doomedJV2 == nil {
		built, err := datafile.BuildJournalV2FromDatafile(doomed.df, doomed.jr)
		if err != nil {
			return fmt.Errorf("index doomed datafile: %w", err)
		}
		doomedJV2 = built
	}

	remainingJV2 := make([]*datafile.JournalV2, 0, len(remaining))
	for _, pair := range remaining {
		jv2 := pair.getJV2()
		if jv2 == nil {
			built, err := datafile.BuildJournalV2FromDatafile(pair.df, pair.jr)
			if err != nil {
				continue
			}
			pair.setJV2(built)
			jv2 = built
		}
		remainingJV2 = append(remainingJV2, jv2)
	}

	datafile.RecalculateRetention(doomedJV2, remainingJV2, e.reg, e.section, e.openCacheEarliest)

	var errs []error
	if err := doomed.close(); err != nil {
		errs = append(errs, err)
	}
	for _, path := range []string{doomed.dfPath, doomed.jrPath, doomed.jv2Path} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
