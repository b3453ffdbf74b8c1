package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Text rendering of the coverage tensor: the head-averaged cross-attention
// weights of the last decoder layer, one row per produced target token and
// one column per source token. Makes visible which source positions each
// output token drew from.
//
// A healthy copy-task model shows a bright diagonal; a reverse-task model
// shows an anti-diagonal. Collapsed attention (one bright column) is the
// usual failure mode at toy scale.
//
// ===========================================================================

import (
	"fmt"
	"strings"
)

// shade maps a weight in [0, 1] to a density character.
var shadeChars = []rune(" .:-=+*#%@")

func shade(w float64) rune {
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}
	idx := int(w * float64(len(shadeChars)-1))
	return shadeChars[idx]
}

// RenderCoverage formats one batch row of a (batch, tgtLen, srcLen)
// coverage tensor as an ASCII heatmap with per-cell weights.
func RenderCoverage(coverage *Tensor, b int, srcLabels, tgtLabels []string) string {
	if coverage.Dims() != 3 {
		panic(fmt.Sprintf("coverage: want 3D tensor, got shape %v", coverage.Shape()))
	}
	tgtLen, srcLen := coverage.Shape()[1], coverage.Shape()[2]
	if len(srcLabels) < srcLen {
		panic(fmt.Sprintf("coverage: %d source labels for %d columns", len(srcLabels), srcLen))
	}

	var sb strings.Builder

	colWidth := 0
	for _, l := range srcLabels[:srcLen] {
		if len(l) > colWidth {
			colWidth = len(l)
		}
	}
	if colWidth < 4 {
		colWidth = 4
	}

	rowWidth := 0
	for _, l := range tgtLabels {
		if len(l) > rowWidth {
			rowWidth = len(l)
		}
	}

	sb.WriteString(strings.Repeat(" ", rowWidth+2))
	for j := 0; j < srcLen; j++ {
		fmt.Fprintf(&sb, "%*s", colWidth+1, srcLabels[j])
	}
	sb.WriteByte('\n')

	for t := 0; t < tgtLen && t < len(tgtLabels); t++ {
		fmt.Fprintf(&sb, "%*s  ", rowWidth, tgtLabels[t])
		for j := 0; j < srcLen; j++ {
			w := coverage.At(b, t, j)
			cell := fmt.Sprintf("%c%.2f", shade(w), w)
			fmt.Fprintf(&sb, "%*s", colWidth+1, cell)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
