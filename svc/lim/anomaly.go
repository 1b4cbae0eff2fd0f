package lim

import (
	"pastebin/metrics"
	"pastebin/svc/util"
	"sync"
	"time"
)

// AnomalyDetector keeps a sliding window of request and server error counts
// and calls onAnomaly when more than 5% of recent requests failed with a 5xx.
// On this service a 5xx means the store failed or returned a corrupt record.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	tick         time.Duration
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}

type bucket struct {
	requests int64
	errors   int64
}

const (
	windowSize         = 5
	minRequests        = 10
	errorRateThreshold = 5.0
)

func NewAnomalyDetector(tick time.Duration, onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		window:    make([]bucket, windowSize),
		tick:      tick,
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(d.tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].requests++
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].errors++
}

// AdvanceWindow evaluates the window and starts a new bucket.
func (d *AnomalyDetector) AdvanceWindow() bool {
	d.mu.Lock()
	var totalReqs, totalErrs int64
	for _, b := range d.window {
		totalReqs += b.requests
		totalErrs += b.errors
	}
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	var errorRate float64
	if totalReqs > 0 {
		errorRate = float64(totalErrs) / float64(totalReqs) * 100.0
	}
	metrics.ServerErrorRatePercent.Set(errorRate)
	if totalReqs <= minRequests || errorRate <= errorRateThreshold {
		return false
	}
	util.Warn().
		Float64("error_rate", errorRate).
		Int64("total_reqs", totalReqs).
		Int64("total_errs", totalErrs).
		Msg("high server error rate, tightening rate limits")
	if d.onAnomaly != nil {
		d.onAnomaly()
	}
	return true
}
