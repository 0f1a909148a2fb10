package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"
	"go.viam.com/test"

	"github.com/san-kum/knife-guard/server/detection"
)

func TestRecordCaptureCapsAtTwenty(t *testing.T) {
	s := New(DefaultOptions())
	base := time.UnixMilli(1_700_000_000_000)

	var evicted []CaptureRecord
	for i := 0; i < 22; i++ {
		evicted = append(evicted, s.RecordCapture(CaptureRecord{
			Filename:  fmt.Sprintf("knife_%d.jpg", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})...)
	}

	captures := s.Captures()
	test.That(t, captures, test.ShouldHaveLength, 20)
	test.That(t, captures[0].Filename, test.ShouldEqual, "knife_21.jpg")
	test.That(t, captures[19].Filename, test.ShouldEqual, "knife_2.jpg")
	test.That(t, evicted, test.ShouldHaveLength, 2)
	test.That(t, evicted[0].Filename, test.ShouldEqual, "knife_1.jpg")
	test.That(t, evicted[1].Filename, test.ShouldEqual, "knife_0.jpg")

	rec, ok := s.FindCapture("knife_10.jpg")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, rec.Timestamp, test.ShouldEqual, base.Add(10*time.Second))
	_, ok = s.FindCapture("knife_0.jpg")
	test.That(t, ok, test.ShouldBeFalse)
}

func TestRecordCaptureOrdersByTimestamp(t *testing.T) {
	s := New(Options{CaptureCap: 3})
	base := time.UnixMilli(1_700_000_000_000)
	record := func(name string, offset time.Duration) []CaptureRecord {
		return s.RecordCapture(CaptureRecord{Filename: name, Timestamp: base.Add(offset)})
	}

	record("b", 2*time.Second)
	record("d", 6*time.Second)
	// saves can finish out of order
	record("a", 0)
	record("c", 4*time.Second)

	names := lo.Map(s.Captures(), func(rec CaptureRecord, _ int) string { return rec.Filename })
	test.That(t, names, test.ShouldResemble, []string{"d", "c", "b"})

	evicted := record("e", 8*time.Second)
	test.That(t, evicted, test.ShouldHaveLength, 1)
	test.That(t, evicted[0].Filename, test.ShouldEqual, "b")

	// a late save older than everything retained is evicted straight away
	evicted = record("late", time.Second)
	test.That(t, evicted, test.ShouldHaveLength, 1)
	test.That(t, evicted[0].Filename, test.ShouldEqual, "late")
}

func TestDetectionRatePerMinute(t *testing.T) {
	s := New(DefaultOptions())
	now := time.UnixMilli(1_700_000_000_000)

	record := func(ago time.Duration, detected bool) {
		s.RecordEvent(Event{Timestamp: now.Add(-ago), Detected: detected, BoxCount: 1})
	}
	record(4*time.Minute+30*time.Second, true)
	record(3*time.Minute, true) // boundary: belongs to the later window
	record(150*time.Second, true)
	record(90*time.Second, false)
	record(30*time.Second, true)
	record(10*time.Second, true)

	rates := s.DetectionRatePerMinute(now, 5)
	test.That(t, rates, test.ShouldHaveLength, 5)

	counts := make([]int, len(rates))
	for i, r := range rates {
		counts[i] = r.Count
	}
	test.That(t, counts, test.ShouldResemble, []int{1, 0, 2, 0, 2})
	test.That(t, rates[0].Label, test.ShouldEqual, "-4min")
	test.That(t, rates[4].Label, test.ShouldEqual, "-0min")
	test.That(t, rates[4].End, test.ShouldEqual, now)

	test.That(t, s.DetectionRatePerMinute(now, 0), test.ShouldHaveLength, DefaultRateWindows)
}

func TestHistoryIsBounded(t *testing.T) {
	s := New(Options{HistoryCap: 3, HistoryWindow: time.Minute})
	base := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 5; i++ {
		s.RecordEvent(Event{Timestamp: base.Add(time.Duration(i) * time.Second), Detected: true})
	}
	events := s.Events()
	test.That(t, events, test.ShouldHaveLength, 3)
	test.That(t, events[0].Timestamp, test.ShouldEqual, base.Add(2*time.Second))

	s.RecordEvent(Event{Timestamp: base.Add(2 * time.Minute)})
	test.That(t, s.Events(), test.ShouldHaveLength, 1)
	test.That(t, s.Summary().FramesAnalysed, test.ShouldEqual, 6)
}

func TestRecentConfidenceSamples(t *testing.T) {
	s := New(Options{ConfidenceCap: 4})

	s.RecordConfidence([]detection.Box{{Confidence: 0.61}, {Confidence: 0.7}})
	s.RecordConfidence(nil)
	s.RecordConfidence([]detection.Box{{Confidence: 0.8}, {Confidence: 0.9}, {Confidence: 0.95}})

	test.That(t, s.RecentConfidenceSamples(0), test.ShouldResemble, []float64{0.7, 0.8, 0.9, 0.95})
	test.That(t, s.RecentConfidenceSamples(2), test.ShouldResemble, []float64{0.9, 0.95})
	test.That(t, s.RecentConfidenceSamples(10), test.ShouldHaveLength, 4)
}

func TestSummaryAndReset(t *testing.T) {
	s := New(DefaultOptions())
	now := time.UnixMilli(1_700_000_000_000)

	test.That(t, s.Summary().Status, test.ShouldEqual, "SAFE")

	for i := 0; i < 4; i++ {
		s.RecordEvent(Event{Timestamp: now.Add(time.Duration(i) * time.Second), Detected: i%2 == 0})
	}
	s.RecordAlert()
	s.RecordConfidence([]detection.Box{{Confidence: 0.6}, {Confidence: 1.0}})
	s.RecordCapture(CaptureRecord{Filename: "knife_1.jpg"})

	sum := s.Summary()
	test.That(t, sum.FramesAnalysed, test.ShouldEqual, 4)
	test.That(t, sum.TotalAlerts, test.ShouldEqual, 1)
	test.That(t, sum.DetectionRate, test.ShouldAlmostEqual, 25.0, 1e-9)
	test.That(t, sum.MeanConfidence, test.ShouldAlmostEqual, 0.8, 1e-9)
	test.That(t, sum.MaxConfidence, test.ShouldEqual, 1.0)
	test.That(t, sum.Captures, test.ShouldEqual, 1)
	test.That(t, sum.Status, test.ShouldEqual, "ALERT ACTIVE")

	released := s.Reset()
	test.That(t, released, test.ShouldHaveLength, 1)
	test.That(t, s.Summary(), test.ShouldResemble, Summary{Status: "SAFE"})
	test.That(t, s.Events(), test.ShouldBeEmpty)
}
