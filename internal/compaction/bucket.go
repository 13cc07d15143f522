package compaction

import (
	"bytes"
	"sort"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
)

// Bucket groups runs of similar size
type Bucket struct {
	Runs    []*Run
	average float64
}

// Average returns the running average size the bucket was built around
func (b *Bucket) Average() float64 {
	return b.average
}

// Len returns the number of runs in the bucket
func (b *Bucket) Len() int {
	return len(b.Runs)
}

// TotalSize returns the summed size of the bucket's runs
func (b *Bucket) TotalSize() int64 {
	var total int64
	for _, r := range b.Runs {
		total += r.DataSize()
	}
	return total
}

// meanSize is the plain average of the runs currently in the bucket
func (b *Bucket) meanSize() float64 {
	if len(b.Runs) == 0 {
		return 0
	}
	return float64(b.TotalSize()) / float64(len(b.Runs))
}

type sizedRun struct {
	run  *Run
	size int64
}

// lessRun orders runs by size. Equal sizes fall back to run id bytes and then
// the first generation, so the order never depends on the input order.
func lessRun(a, b sizedRun) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	if c := bytes.Compare(a.run.id[:], b.run.id[:]); c != 0 {
		return c < 0
	}
	return a.run.firstGeneration() < b.run.firstGeneration()
}

// GetBuckets groups runs of similar size. Runs are visited in ascending size
// order and each joins the first existing bucket whose running average it is
// close to; a run that fits nowhere opens a new bucket.
//
// A run with zero size is a bug upstream and panics with an assertion failure.
func GetBuckets(runs []*Run, opts Options) []*Bucket {
	sorted := make([]sizedRun, 0, len(runs))
	for _, r := range runs {
		size := r.DataSize()
		if size <= 0 {
			panic(errors.AssertionFailed("run %s has size %d", r.ID(), size))
		}
		sorted = append(sorted, sizedRun{run: r, size: size})
	}
	sort.Slice(sorted, func(i, j int) bool { return lessRun(sorted[i], sorted[j]) })

	minSize := float64(opts.MinSSTableSize)
	var buckets []*Bucket
	for _, sr := range sorted {
		size := float64(sr.size)
		placed := false
		for _, b := range buckets {
			avg := b.average
			similar := size >= avg*opts.BucketLow && size < avg*opts.BucketHigh
			small := size < minSize && avg < minSize
			if !similar && !small {
				continue
			}

			n := float64(len(b.Runs))
			newAvg := (avg*n + size) / (n + 1)
			// Sizes arrive in increasing order so the average drifts upwards.
			// Keep it from drifting so far that the smallest run falls out of range.
			smallest := float64(b.Runs[0].DataSize())
			if size >= minSize && smallest < newAvg*opts.BucketLow {
				continue
			}

			b.Runs = append(b.Runs, sr.run)
			b.average = newAvg
			placed = true
			break
		}
		if !placed {
			buckets = append(buckets, &Bucket{Runs: []*Run{sr.run}, average: size})
		}
	}
	return buckets
}

// IsBucketInteresting reports whether the bucket holds enough runs to compact
func IsBucketInteresting(b *Bucket, minThreshold int) bool {
	return b.Len() >= minThreshold
}

func isAnyBucketInteresting(buckets []*Bucket, minThreshold int) bool {
	for _, b := range buckets {
		if IsBucketInteresting(b, minThreshold) {
			return true
		}
	}
	return false
}

// MostInterestingBucket picks, among buckets with at least minThreshold runs,
// the one with the smallest average size; the first one wins ties. The result
// is truncated to maxThreshold runs, keeping the smallest. Returns nil when no
// bucket qualifies.
func MostInterestingBucket(buckets []*Bucket, minThreshold, maxThreshold int) []*Run {
	var best *Bucket
	for _, b := range buckets {
		if !IsBucketInteresting(b, minThreshold) {
			continue
		}
		if best == nil || b.average < best.average {
			best = b
		}
	}
	if best == nil {
		return nil
	}
	n := best.Len()
	if maxThreshold > 0 && n > maxThreshold {
		n = maxThreshold
	}
	out := make([]*Run, n)
	copy(out, best.Runs[:n])
	return out
}
