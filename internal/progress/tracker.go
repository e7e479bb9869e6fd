package progress

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// speedWindow is the span over which the current transfer rate is measured.
const speedWindow = 5 * time.Second

// Status is a point-in-time snapshot of migration progress.
type Status struct {
	TotalObjects     int64
	ProcessedObjects int64
	SuccessObjects   int64
	ExistingObjects  int64
	FailedObjects    int64
	SkippedObjects   int64
	TotalBytes       int64
	ProcessedBytes   int64
	StartTime        time.Time
	CurrentSpeed     float64 // bytes/second over the latest window
	AverageSpeed     float64 // bytes/second since start
	ETA              time.Duration
}

// Tracker counts finished objects. Only transferred bytes feed the speed
// figures; bytes of existing or skipped objects only advance progress.
type Tracker struct {
	mu  sync.Mutex
	now func() time.Time

	status      Status
	transferred int64

	windowStart time.Time
	windowBytes int64
	lastRate    float64
}

// NewTracker starts a tracker at the current time.
func NewTracker() *Tracker {
	return newTrackerAt(time.Now)
}

func newTrackerAt(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		now:         now,
		status:      Status{StartTime: start},
		windowStart: start,
	}
}

// AddTotal grows the totals, one call per counted bucket.
func (t *Tracker) AddTotal(objects, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TotalObjects += objects
	t.status.TotalBytes += bytes
}

// AddSuccess records a transferred object.
func (t *Tracker) AddSuccess(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.SuccessObjects++
	t.status.ProcessedObjects++
	t.status.ProcessedBytes += bytes
	t.transferred += bytes
	t.roll(t.now())
	t.windowBytes += bytes
}

// AddExisting records an object that was already present on the target.
func (t *Tracker) AddExisting(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.SuccessObjects++
	t.status.ExistingObjects++
	t.status.ProcessedObjects++
	t.status.ProcessedBytes += bytes
}

func (t *Tracker) AddSkipped(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.SkippedObjects++
	t.status.ProcessedObjects++
	t.status.ProcessedBytes += bytes
}

func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.FailedObjects++
	t.status.ProcessedObjects++
}

// roll closes the current window once it is older than speedWindow.
// Must be called with t.mu held.
func (t *Tracker) roll(now time.Time) {
	elapsed := now.Sub(t.windowStart)
	if elapsed < speedWindow {
		return
	}
	t.lastRate = float64(t.windowBytes) / elapsed.Seconds()
	t.windowStart = now
	t.windowBytes = 0
}

// GetStatus returns a snapshot with the speed figures and ETA filled in.
func (t *Tracker) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.roll(now)
	st := t.status

	st.CurrentSpeed = t.lastRate
	if t.windowStart.Equal(st.StartTime) {
		// still inside the first window
		if elapsed := now.Sub(t.windowStart); elapsed > 0 {
			st.CurrentSpeed = float64(t.windowBytes) / elapsed.Seconds()
		}
	}
	if elapsed := now.Sub(st.StartTime); elapsed > 0 {
		st.AverageSpeed = float64(t.transferred) / elapsed.Seconds()
	}
	if remaining := st.TotalBytes - st.ProcessedBytes; remaining > 0 && st.AverageSpeed > 0 {
		st.ETA = time.Duration(float64(remaining) / st.AverageSpeed * float64(time.Second)).Truncate(time.Second)
	}
	return st
}

// GetProgressPercent returns processed objects as a percentage of the total.
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return percent(t.status.ProcessedObjects, t.status.TotalObjects)
}

// GetBytesProgressPercent returns processed bytes as a percentage of the total.
func (t *Tracker) GetBytesProgressPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return percent(t.status.ProcessedBytes, t.status.TotalBytes)
}

func percent(done, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

func FormatSpeed(bytesPerSecond float64) string {
	return FormatBytes(int64(bytesPerSecond)) + "/s"
}

// FormatBytes renders a byte count with binary units; negatives render as 0.
func FormatBytes(bytes int64) string {
	return humanize.IBytes(uint64(max(bytes, 0)))
}

// FormatDuration renders d to whole seconds. Zero means no estimate yet.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}
	return d.Truncate(time.Second).String()
}
