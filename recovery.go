package dbengine

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/chronolith/dbengine/internal/datafile"
	"github.com/chronolith/dbengine/internal/pagedata"
)

// recoverExistingPairs reopens every datafile/journal pair already on
// disk under the engine's path, replays each pair's journal v1, and
// repopulates the metric registry and the open index from the journaled
// extents. An extent present in the datafile but missing its WAL record
// is treated as nonexistent, and a journaled extent that fails its CRC is
// skipped — both per spec.md §5 "Ordering guarantees" and §8 "Crash
// recovery". Returns the recovered pairs oldest-first, or an empty slice
// when the directory holds no prior state.
func (e *Engine) recoverExistingPairs() ([]*datafilePair, error) {
	pattern := filepath.Join(e.cfg.DBFilesPath, fmt.Sprintf("datafile-%d-*.ndf", e.cfg.Tier))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("dbengine: scan %s: %w", e.cfg.DBFilesPath, err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	type found struct {
		fileNo uint32
		path   string
	}
	var files []found
	for _, path := range paths {
		var tier, fileNo uint32
		if _, err := fmt.Sscanf(filepath.Base(path), "datafile-%d-%d.ndf", &tier, &fileNo); err != nil {
			continue
		}
		files = append(files, found{fileNo: fileNo, path: path})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].fileNo < files[j].fileNo })

	var pairs []*datafilePair
	for i, f := range files {
		pair, err := e.reopenPair(f.fileNo)
		if err != nil {
			for _, p := range pairs {
				p.close()
			}
			return nil, err
		}
		latest := i == len(files)-1
		if !latest {
			pair.df.MarkSuperseded()
			if jv2, err := datafile.LoadJournalV2(pair.jv2Path); err == nil {
				pair.setJV2(jv2)
				pair.df.ClearNeedsIndexing()
			}
		}
		if err := e.replayPair(pair); err != nil {
			e.logger.Printf("recover %s: %v", pair.dfPath, err)
		}
		pairs = append(pairs, pair)
		if f.fileNo >= e.fileNo {
			e.fileNo = f.fileNo + 1
		}
	}
	return pairs, nil
}

// reopenPair opens an existing datafile/journal pair by file number.
func (e *Engine) reopenPair(fileNo uint32) (*datafilePair, error) {
	dfPath := filepath.Join(e.cfg.DBFilesPath, fmt.Sprintf("datafile-%d-%d.ndf", e.cfg.Tier, fileNo))
	jrPath := filepath.Join(e.cfg.DBFilesPath, fmt.Sprintf("journalfile-%d-%d.njf", e.cfg.Tier, fileNo))
	jv2Path := filepath.Join(e.cfg.DBFilesPath, fmt.Sprintf("journalfile-%d-%d.njfv2", e.cfg.Tier, fileNo))

	df, err := datafile.Open(dfPath, e.cfg.MaxDatafileBytes)
	if err != nil {
		return nil, err
	}
	jr, err := datafile.OpenJournal(jrPath)
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

// replayPair walks one pair's journaled extents and rebuilds the metric
// registry's retention windows and the engine's open index — the
// CTX_POPULATE_MRG startup pass of spec.md §4.7. Each descriptor runs
// through page validation (spec.md §4.9) so a corrupt page is skipped
// without poisoning its siblings.
func (e *Engine) replayPair(pair *datafilePair) error {
	recs, err := pair.jr.Recover()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		raw, err := pair.df.ReadAt(rec.ExtentOffset, int(rec.ExtentSize))
		if err != nil {
			continue
		}
		ext, err := datafile.Parse(raw)
		if err != nil {
			e.logger.Printf("recover %s: extent at %d: %v", pair.dfPath, rec.ExtentOffset, err)
			continue
		}

		payloadOff := 0
		for _, d := range ext.Descrs {
			pageLen := int(d.PageLength)
			pt := pagedata.PageType(d.Type)

			startS := int64(d.StartTimeUT)
			endS := int64(d.EndTimeUT)
			entries := 0
			switch pt {
			case pagedata.PageTypeGorilla32:
				endS = startS + int64(d.DeltaTimeS)
				entries = int(d.Entries)
			default:
				if ps := pt.PointSize(); ps > 0 {
					entries = pageLen / ps
				}
			}

			everyGuess := int64(1)
			if entries > 1 && endS > startS {
				everyGuess = (endS - startS) / int64(entries-1)
				if everyGuess == 0 {
					everyGuess = 1
				}
			}
			vstart, vend, everyS, ventries, verr := pagedata.Validate(pagedata.ValidateInput{
				StartTimeS:   startS,
				EndTimeS:     endS,
				UpdateEveryS: everyGuess,
				Length:       pageLen,
				Type:         pt,
				Entries:      entries,
			})
			if verr != nil {
				e.logger.Printf("recover %s: page for %s at %d: %v", pair.dfPath, d.UUID, startS, verr)
				payloadOff += pageLen
				continue
			}

			m := e.reg.AcquireByUUID(e.section, d.UUID)
			m.UpdateRetention(vstart, vend)
			if m.UpdateEveryS() == 0 {
				_ = m.SetUpdateEveryS(everyS)
			}
			e.reg.Release(m)

			e.mu.Lock()
			list := e.open[d.UUID]
			oe := openExtent{
				fileNo:        pair.fileNo,
				startTimeS:    vstart,
				endTimeS:      vend,
				updateEveryS:  everyS,
				pageType:      d.Type,
				entries:       ventries,
				extentOffset:  rec.ExtentOffset,
				extentLength:  int(rec.ExtentSize),
				payloadOffset: payloadOff,
				payloadLength: pageLen,
			}
			i := sort.Search(len(list), func(i int) bool { return list[i].startTimeS >= oe.startTimeS })
			list = append(list, openExtent{})
			copy(list[i+1:], list[i:])
			list[i] = oe
			e.open[d.UUID] = list
			e.mu.Unlock()

			payloadOff += pageLen
		}
	}
	return nil
}
