package engine

import (
	"testing"
	"time"
)

func TestEstimateVisemes_SortedNonOverlapping(t *testing.T) {
	events := EstimateVisemes("hello world", 1200*time.Millisecond)
	if len(events) == 0 {
		t.Fatal("Expected viseme events for non-empty text")
	}

	for i := 1; i < len(events); i++ {
		if events[i].Start < events[i-1].End {
			t.Errorf("Event %d overlaps previous: start %v < previous end %v",
				i, events[i].Start, events[i-1].End)
		}
	}

	last := events[len(events)-1]
	if last.End != 1200*time.Millisecond {
		t.Errorf("Expected last event to end at segment duration, got %v", last.End)
	}
}

func TestEstimateVisemes_Empty(t *testing.T) {
	if events := EstimateVisemes("", time.Second); events != nil {
		t.Errorf("Expected nil events for empty text, got %v", events)
	}
	if events := EstimateVisemes("hi", 0); events != nil {
		t.Errorf("Expected nil events for zero duration, got %v", events)
	}
}

func TestTextToShapes_CollapsesRuns(t *testing.T) {
	// "mm" hits the same shape twice; it must collapse to one event
	shapes := textToShapes("mm")
	if len(shapes) != 1 || shapes[0] != VisemeMBP {
		t.Errorf("Expected single mbp shape, got %v", shapes)
	}
}

func TestTextToShapes_Digraphs(t *testing.T) {
	shapes := textToShapes("the")
	if len(shapes) == 0 || shapes[0] != VisemeTH {
		t.Errorf("Expected th digraph to map to th viseme, got %v", shapes)
	}
}

func TestTextToShapes_Punctuation(t *testing.T) {
	shapes := textToShapes("a. b")
	// Vowel, silence (period+space collapse), mbp
	if len(shapes) != 3 {
		t.Fatalf("Expected 3 shapes, got %v", shapes)
	}
	if shapes[1] != "sil" {
		t.Errorf("Expected silence at sentence boundary, got %s", shapes[1])
	}
}
