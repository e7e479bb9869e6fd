package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"s3migrate/internal/storage"
	"s3migrate/internal/worker"
)

// summaryFailureLimit bounds the failures printed in a summary.
const summaryFailureLimit = 10

// BucketStats holds the counters of one bucket.
type BucketStats struct {
	Listed    int
	Succeeded int
	Skipped   int
	Failed    int
	// Existing counts successes that copied nothing.
	Existing int
	Bytes    int64
	// Fatal is set when the bucket could not be migrated at all or its
	// listing broke off.
	Fatal error
}

// Failure is one entry of the failure ledger.
type Failure struct {
	Bucket      string
	Key         string
	Kind        storage.Kind
	Status      worker.Status
	Attempts    int
	LastAttempt time.Time
	Err         string
}

// Report is the result of one migration run.
type Report struct {
	RunID       string
	Started     time.Time
	Finished    time.Time
	Buckets     map[string]*BucketStats
	BucketOrder []string
	Failures    []Failure
	Artifacts   []string
}

// Totals sums the per-bucket counters.
func (r *Report) Totals() BucketStats {
	var t BucketStats
	for _, b := range r.Buckets {
		t.Listed += b.Listed
		t.Succeeded += b.Succeeded
		t.Skipped += b.Skipped
		t.Failed += b.Failed
		t.Existing += b.Existing
		t.Bytes += b.Bytes
	}
	return t
}

// SuccessRate is the share of processed objects that succeeded, in percent.
func (r *Report) SuccessRate() float64 {
	t := r.Totals()
	processed := t.Succeeded + t.Skipped + t.Failed
	if processed == 0 {
		return 100
	}
	return float64(t.Succeeded) / float64(processed) * 100
}

// FatalBuckets returns the buckets that ended with a fatal error, in run order.
func (r *Report) FatalBuckets() []string {
	var out []string
	for _, name := range r.BucketOrder {
		if b := r.Buckets[name]; b != nil && b.Fatal != nil {
			out = append(out, name)
		}
	}
	return out
}

// WriteSummary prints a human readable summary of the run.
func (r *Report) WriteSummary(w io.Writer) error {
	t := r.Totals()
	elapsed := r.Finished.Sub(r.Started)

	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString("Migration summary\n")
	sb.WriteString(strings.Repeat("=", 51) + "\n")
	fmt.Fprintf(&sb, "Run:        %s\n", r.RunID)
	fmt.Fprintf(&sb, "Objects:    %s listed, %s succeeded (%s already present), %s skipped, %s failed\n",
		humanize.Comma(int64(t.Listed)),
		humanize.Comma(int64(t.Succeeded)),
		humanize.Comma(int64(t.Existing)),
		humanize.Comma(int64(t.Skipped)),
		humanize.Comma(int64(t.Failed)))
	fmt.Fprintf(&sb, "Data:       %s\n", humanize.IBytes(uint64(t.Bytes)))
	fmt.Fprintf(&sb, "Success:    %.1f%%\n", r.SuccessRate())
	if elapsed > 0 {
		fmt.Fprintf(&sb, "Elapsed:    %s", elapsed.Round(time.Second))
		if t.Bytes > 0 {
			fmt.Fprintf(&sb, " (%s/s)", humanize.IBytes(uint64(float64(t.Bytes)/elapsed.Seconds())))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nBuckets:\n")
	for _, name := range r.BucketOrder {
		b := r.Buckets[name]
		fmt.Fprintf(&sb, "  %-24s %6d ok  %6d skipped  %6d failed  %10s\n",
			name, b.Succeeded, b.Skipped, b.Failed, humanize.IBytes(uint64(b.Bytes)))
		if kinds := r.failureKinds(name); kinds != "" {
			fmt.Fprintf(&sb, "  %-24s failures by kind: %s\n", "", kinds)
		}
		if b.Fatal != nil {
			fmt.Fprintf(&sb, "  %-24s FATAL: %v\n", "", b.Fatal)
		}
	}

	if len(r.Failures) > 0 {
		shown := len(r.Failures)
		if shown > summaryFailureLimit {
			shown = summaryFailureLimit
		}
		fmt.Fprintf(&sb, "\nFailures (%d of %d):\n", shown, len(r.Failures))
		for _, f := range r.Failures[:shown] {
			fmt.Fprintf(&sb, "  [%s] %s/%s: %s\n", f.Kind, f.Bucket, f.Key, f.Err)
		}
	}

	if len(r.Artifacts) > 0 {
		sb.WriteString("\nFailed object lists:\n")
		for _, path := range r.Artifacts {
			fmt.Fprintf(&sb, "  %s\n", path)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// failureKinds renders "NotFound=3, Transient=1" for a bucket.
func (r *Report) failureKinds(bucket string) string {
	counts := make(map[string]int)
	for _, f := range r.Failures {
		if f.Bucket == bucket {
			counts[f.Kind.String()]++
		}
	}
	if len(counts) == 0 {
		return ""
	}

	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, ", ")
}
