// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"fmt"

	"github.com/Thermoquad/sonarctl/pkg/sonar"
)

// SideDosage is the product estimated to have been applied on one side.
type SideDosage struct {
	Liters float64
	Grams  float64
}

// Dosage estimates product applied on each side from relay on-time and the
// app-only flow settings.
type Dosage struct {
	Left  SideDosage
	Right SideDosage
}

// Total returns both sides combined.
func (d Dosage) Total() SideDosage {
	return SideDosage{
		Liters: d.Left.Liters + d.Right.Liters,
		Grams:  d.Left.Grams + d.Right.Grams,
	}
}

func (d SideDosage) String() string {
	return fmt.Sprintf("%.2f L, %.0f g", d.Liters, d.Grams)
}

// EstimateDosage derives liquid volume (liters per minute per applicator) and
// granular mass (grams per second) from relay on-time.
func EstimateDosage(st State) Dosage {
	return Dosage{
		Left:  sideDosage(st.Stats.Left, st),
		Right: sideDosage(st.Stats.Right, st),
	}
}

func sideDosage(s sonar.SideStats, st State) SideDosage {
	seconds := float64(s.TimeMs) / 1000
	applicators := st.NumApplicators
	if applicators < 1 {
		applicators = 1
	}
	return SideDosage{
		Liters: seconds / 60 * st.LitersPerMin * float64(applicators),
		Grams:  seconds * st.GramsPerSec,
	}
}
