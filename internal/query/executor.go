package query

import "math"

// RawPoint is one decoded sample as the executor's iterator yields it,
// independent of on-disk tier representation.
type RawPoint struct {
	StartS    int64
	EndS      int64
	Value     float64
	Empty     bool
	Reset     bool
	Anomalous bool
}

// Finite reports whether the point's value can be interpolated/reduced.
func (p RawPoint) Finite() bool {
	return !p.Empty && !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0)
}

// PointIterator walks the raw points of one plan segment in time order.
type PointIterator interface {
	// Next returns the next point, or ok=false at end of stream. Next is
	// idempotent after end-of-stream (spec.md §6.4 "load_metric_next ...
	// idempotent after end-of-stream").
	Next() (RawPoint, bool)
}

// PlanIteratorFactory opens an iterator for one plan segment, using its
// read-ahead-expanded boundaries.
type PlanIteratorFactory func(p Plan) PointIterator

// Bucket is one output row of a query: a closed time window with its
// reduced value and status flags.
type Bucket struct {
	StartS      int64
	EndS        int64
	Value       float64
	Flags       BucketFlag
	AnomalyRate float64
}

// Run executes plans against viewUpdateEveryS-wide output buckets from
// afterS to beforeS, feeding each selected raw point into reducer and
// closing a bucket every viewUpdateEveryS seconds (spec.md §4.6).
//
// Iteration state keeps two points, last1 and the current one; the
// interpolation rule (contiguity + finiteness + duration > 1s) needs no
// earlier point, so no last2 is kept.
func Run(plans []Plan, afterS, beforeS, viewUpdateEveryS int64, reducer Reducer, newIter PlanIteratorFactory) ([]Bucket, error) {
	if viewUpdateEveryS <= 0 {
		viewUpdateEveryS = 1
	}
	var buckets []Bucket
	if len(plans) == 0 {
		return buckets, nil
	}

	planIdx := 0
	iter := newIter(plans[0])

	var last1, cur RawPoint
	haveLast1, haveCur := false, false

	advance := func(targetEnd int64) {
		for {
			if haveCur && cur.EndS >= targetEnd {
				return
			}
			if haveCur {
				last1 = cur
				haveLast1 = true
			}
			p, ok := iter.Next()
			if !ok {
				haveCur = false
				return
			}
			if haveLast1 && p.EndS < last1.EndS {
				// Never let `new.end` go backward; skip duplicates
				// (spec.md §4.6 "Never let new.end go backward").
				continue
			}
			cur = p
			haveCur = true
		}
	}

	for nowEnd := afterS + viewUpdateEveryS; ; nowEnd += viewUpdateEveryS {
		if nowEnd > beforeS+viewUpdateEveryS {
			break
		}
		bucketStart := nowEnd - viewUpdateEveryS

		// Step a: switch plans if the current one ended.
		for planIdx < len(plans)-1 && bucketStart >= plans[planIdx].ExpandedBeforeS {
			planIdx++
			iter = newIter(plans[planIdx])
			haveCur = false
		}

		advance(nowEnd)

		flags := BucketFlag(0)
		if !haveCur || cur.EndS < bucketStart || cur.StartS > nowEnd {
			flags |= BucketEmpty
		} else {
			value := cur.Value
			if haveLast1 && last1.EndS == cur.StartS && last1.Finite() && cur.Finite() && (cur.EndS-cur.StartS) > 1 {
				// Interpolate at nowEnd between last1 and cur.
				span := float64(cur.EndS - last1.EndS)
				if span > 0 {
					frac := float64(nowEnd-last1.EndS) / span
					value = last1.Value + frac*(cur.Value-last1.Value)
				}
			}
			if cur.Reset {
				flags |= BucketReset
			}
			if !cur.Finite() {
				flags |= BucketEmpty
			} else {
				reducer.Add(value, cur.Anomalous)
			}
		}

		v, rate := reducer.Flush()
		if flags&BucketEmpty != 0 {
			v = math.NaN()
		}
		buckets = append(buckets, Bucket{StartS: bucketStart, EndS: nowEnd, Value: v, Flags: flags, AnomalyRate: rate})

		if nowEnd >= beforeS {
			break
		}
	}

	return buckets, nil
}
