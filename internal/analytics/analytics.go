package analytics

import (
	"math"
	"sync"
	"time"

	"github.com/duetlabs/duet-core/internal/protocol"
)

// Config tunes conversation scoring. TargetLocalPct is the ideal share
// of speaking time for the local channel; a sales call aims for roughly
// 30% operator and 70% customer.
type Config struct {
	TargetLocalPct   float64
	InterruptEpsilon time.Duration
	MaxSnapshots     int
}

// ChannelStats summarizes one channel's accepted speech.
type ChannelStats struct {
	Speaking       time.Duration `json:"speaking_ms"`
	SegmentCount   int           `json:"segment_count"`
	Interruptions  int           `json:"interruptions"`
	LongestSegment time.Duration `json:"longest_segment_ms"`
	AverageSegment time.Duration `json:"average_segment_ms"`
}

// Trend is the direction of the quality score over recent snapshots.
type Trend string

const (
	TrendStable    Trend = "stable"
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
)

// Snapshot is one periodic quality sample.
type Snapshot struct {
	At       time.Duration `json:"at_ms"`
	Quality  float64       `json:"quality"`
	LocalPct float64       `json:"local_pct"`
}

// Report is the full conversation summary, rendered on demand and once
// more at session end.
type Report struct {
	Channels      map[protocol.Channel]ChannelStats `json:"channels"`
	LocalPct      float64                           `json:"local_pct"`
	RemotePct     float64                           `json:"remote_pct"`
	Quality       float64                           `json:"quality"`
	Trend         Trend                             `json:"trend"`
	FilterRate    float64                           `json:"filter_rate"`
	Elapsed       time.Duration                     `json:"elapsed_ms"`
	Snapshots     []Snapshot                        `json:"snapshots"`
	Interruptions int                               `json:"interruptions_total"`
}

type channelAccum struct {
	speaking      time.Duration
	count         int
	interruptions int
	longest       time.Duration
}

// Tracker accumulates accepted segments from both channels and scores
// the conversation. All methods are safe for concurrent use; after
// Finalize the tracker ignores further input.
type Tracker struct {
	cfg Config

	mu         sync.Mutex
	channels   map[protocol.Channel]*channelAccum
	lastEnd    map[protocol.Channel]time.Duration
	snapshots  []Snapshot
	filterRate float64
	elapsed    time.Duration
	finalized  bool
}

func New(cfg Config) *Tracker {
	if cfg.TargetLocalPct <= 0 {
		cfg.TargetLocalPct = 30
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 100
	}
	return &Tracker{
		cfg: cfg,
		channels: map[protocol.Channel]*channelAccum{
			protocol.ChannelLocal:  {},
			protocol.ChannelRemote: {},
		},
		lastEnd: map[protocol.Channel]time.Duration{},
	}
}

// Record folds one accepted segment into the totals. A segment whose
// start precedes the other channel's last end by more than the epsilon
// counts as an interruption by its own channel; the segment itself is
// kept either way.
func (t *Tracker) Record(seg protocol.Segment) {
	dur := seg.End - seg.Start
	if !seg.Channel.Valid() || dur <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}

	acc := t.channels[seg.Channel]
	acc.speaking += dur
	acc.count++
	if dur > acc.longest {
		acc.longest = dur
	}

	if otherEnd, ok := t.lastEnd[seg.Channel.Other()]; ok && seg.Start < otherEnd-t.cfg.InterruptEpsilon {
		acc.interruptions++
	}

	if seg.End > t.lastEnd[seg.Channel] {
		t.lastEnd[seg.Channel] = seg.End
	}
	if seg.End > t.elapsed {
		t.elapsed = seg.End
	}
}

// SetFilterRate updates the artifact-filter share used in scoring.
func (t *Tracker) SetFilterRate(rate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}
	t.filterRate = rate
}

// Snapshot appends one quality sample to the bounded history and
// returns it. The session runs this on its snapshot ticker.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		At:       t.elapsed,
		Quality:  t.quality(),
		LocalPct: t.localPct(),
	}
	if t.finalized {
		return snap
	}
	t.snapshots = append(t.snapshots, snap)
	if len(t.snapshots) > t.cfg.MaxSnapshots {
		t.snapshots = t.snapshots[len(t.snapshots)-t.cfg.MaxSnapshots:]
	}
	return snap
}

// Report renders the current summary.
func (t *Tracker) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report()
}

// Finalize freezes the tracker and returns the closing report. Later
// Record and Snapshot calls are no-ops.
func (t *Tracker) Finalize() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized = true
	return t.report()
}

func (t *Tracker) report() Report {
	channels := make(map[protocol.Channel]ChannelStats, len(t.channels))
	total := 0
	for ch, acc := range t.channels {
		stats := ChannelStats{
			Speaking:       acc.speaking,
			SegmentCount:   acc.count,
			Interruptions:  acc.interruptions,
			LongestSegment: acc.longest,
		}
		if acc.count > 0 {
			stats.AverageSegment = acc.speaking / time.Duration(acc.count)
		}
		channels[ch] = stats
		total += acc.interruptions
	}

	local := t.localPct()
	return Report{
		Channels:      channels,
		LocalPct:      local,
		RemotePct:     100 - local,
		Quality:       t.quality(),
		Trend:         t.trend(),
		FilterRate:    t.filterRate,
		Elapsed:       t.elapsed,
		Snapshots:     append([]Snapshot(nil), t.snapshots...),
		Interruptions: total,
	}
}

// localPct returns the local channel's share of total speaking time, or
// the target when nothing has been said yet so an empty session scores
// neutral.
func (t *Tracker) localPct() float64 {
	local := t.channels[protocol.ChannelLocal].speaking
	remote := t.channels[protocol.ChannelRemote].speaking
	if local+remote == 0 {
		return t.cfg.TargetLocalPct
	}
	return 100 * float64(local) / float64(local+remote)
}

// quality scores the conversation on [0,100]: two points per percentage
// point of talk-ratio deviation, up to 25 points for interruption
// frequency, up to 25 for the artifact filter rate.
func (t *Tracker) quality() float64 {
	deviation := math.Abs(t.localPct() - t.cfg.TargetLocalPct)
	score := 100 - 2*deviation

	interruptions := 0
	for _, acc := range t.channels {
		interruptions += acc.interruptions
	}
	if minutes := t.elapsed.Minutes(); minutes > 0 && interruptions > 0 {
		score -= math.Min(25, 4*float64(interruptions)/minutes)
	}
	score -= math.Min(25, 25*t.filterRate)

	return math.Max(0, math.Min(100, score))
}

// trend compares the newest of the last three snapshots with the
// oldest; a five-point dead band absorbs noise.
func (t *Tracker) trend() Trend {
	if len(t.snapshots) < 3 {
		return TrendStable
	}
	window := t.snapshots[len(t.snapshots)-3:]
	delta := window[2].Quality - window[0].Quality
	switch {
	case delta > 5:
		return TrendImproving
	case delta < -5:
		return TrendDegrading
	default:
		return TrendStable
	}
}
