package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Display handles the progress display
type Display struct {
	tracker   *Tracker
	interval  time.Duration
	out       io.Writer
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	lastLines int
}

// NewDisplay creates a new progress display writing to stdout
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return NewDisplayTo(os.Stdout, tracker, interval)
}

// NewDisplayTo creates a progress display writing to out
func NewDisplayTo(out io.Writer, tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the progress display and waits for the final frame.
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

func (d *Display) updateDisplay() {
	lines := d.generateDisplay(d.tracker.GetStatus())
	d.clearLines()
	fmt.Fprint(d.out, strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

func (d *Display) finalDisplay() {
	d.clearLines()
	lines := d.generateFinalDisplay(d.tracker.GetStatus())
	fmt.Fprintln(d.out, strings.Join(lines, "\n"))
}

// clearLines moves the cursor back over the previous frame.
func (d *Display) clearLines() {
	if d.lastLines > 0 {
		fmt.Fprintf(d.out, "\r\033[%dA\033[J", d.lastLines-1)
	}
}

func (d *Display) generateDisplay(status Status) []string {
	lines := make([]string, 0, 20)

	lines = append(lines, "")
	lines = append(lines, "Object migration progress")
	lines = append(lines, strings.Repeat("=", 51))

	objectProgress := d.tracker.GetProgressPercent()
	lines = append(lines, fmt.Sprintf("Objects: %d/%d (%.1f%%)",
		status.ProcessedObjects, status.TotalObjects, objectProgress))
	lines = append(lines, "    "+generateProgressBar(objectProgress, 40))

	bytesProgress := d.tracker.GetBytesProgressPercent()
	lines = append(lines, fmt.Sprintf("Data:    %s/%s (%.1f%%)",
		FormatBytes(status.ProcessedBytes), FormatBytes(status.TotalBytes), bytesProgress))
	lines = append(lines, "    "+generateProgressBar(bytesProgress, 40))

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("  succeeded: %d (already present: %d)", status.SuccessObjects, status.ExistingObjects))
	lines = append(lines, fmt.Sprintf("  failed:    %d", status.FailedObjects))
	lines = append(lines, fmt.Sprintf("  skipped:   %d", status.SkippedObjects))

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("  current speed: %s", FormatSpeed(status.CurrentSpeed)))
	lines = append(lines, fmt.Sprintf("  average speed: %s", FormatSpeed(status.AverageSpeed)))

	elapsed := time.Since(status.StartTime)
	lines = append(lines, fmt.Sprintf("  elapsed:       %s", FormatDuration(elapsed)))
	lines = append(lines, fmt.Sprintf("  remaining:     %s", FormatDuration(status.ETA)))
	if status.ETA > 0 {
		lines = append(lines, fmt.Sprintf("  finishes at:   %s", time.Now().Add(status.ETA).Format("15:04:05")))
	}
	lines = append(lines, "")

	return lines
}

func (d *Display) generateFinalDisplay(status Status) []string {
	elapsed := time.Since(status.StartTime)

	return []string{
		"",
		"Migration finished",
		strings.Repeat("=", 51),
		fmt.Sprintf("Processed: %d objects, %s", status.ProcessedObjects, FormatBytes(status.ProcessedBytes)),
		fmt.Sprintf("Succeeded: %d", status.SuccessObjects),
		fmt.Sprintf("Failed:    %d", status.FailedObjects),
		fmt.Sprintf("Skipped:   %d", status.SkippedObjects),
		fmt.Sprintf("Elapsed:   %s", FormatDuration(elapsed)),
		fmt.Sprintf("Average:   %s", FormatSpeed(status.AverageSpeed)),
		"",
	}
}

// generateProgressBar renders a bar of width cells for percent.
func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported reports whether stdout is a terminal.
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
