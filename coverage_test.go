package main

import (
	"strings"
	"testing"
)

func TestShadeBounds(t *testing.T) {
	if shade(0) != ' ' {
		t.Errorf("shade(0) = %q", shade(0))
	}
	if shade(1) != '@' {
		t.Errorf("shade(1) = %q", shade(1))
	}
	if shade(-0.5) != ' ' || shade(1.5) != '@' {
		t.Error("out-of-range weights not clamped")
	}
}

func TestRenderCoverageLayout(t *testing.T) {
	coverage := NewTensor(1, 2, 3)
	coverage.Set(1.0, 0, 0, 0)
	coverage.Set(0.5, 0, 1, 1)

	out := RenderCoverage(coverage, 0, []string{"5", "7", "9"}, []string{"<s>", "5"})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 { // header + one row per target label
		t.Fatalf("rendered %d lines, want 3:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "9") {
		t.Errorf("header missing source label:\n%s", lines[0])
	}
	if !strings.Contains(lines[1], "@1.00") {
		t.Errorf("full weight not rendered at peak density:\n%s", lines[1])
	}
	if !strings.Contains(lines[2], "0.50") {
		t.Errorf("half weight missing:\n%s", lines[2])
	}
}

func TestRenderCoverageRejectsWrongRank(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("2D coverage tensor did not panic")
		}
	}()
	RenderCoverage(NewTensor(2, 3), 0, []string{"a", "b", "c"}, []string{"x", "y"})
}
