package benchmark

import (
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"

	"ProofMarket/internal/market"
)

// LowConfidenceCycles is the worst-case cycle count below which the
// suggested khz is flagged as unreliable.
const LowConfidenceCycles = 1_000_000

// Sample is the throughput of one proved request.
type Sample struct {
	RequestID      *big.Int
	SessionID      string
	Cycles         float64
	ElapsedSeconds float64
	KHz            float64
}

// WorstCase tracks the slowest sample of a run.
type WorstCase struct {
	khz    float64
	sample Sample
	seen   bool
}

// NewWorstCase returns a tracker seeded at +Inf.
func NewWorstCase() *WorstCase {
	return &WorstCase{khz: math.Inf(1)}
}

// Observe records s if it is slower than every sample seen so far.
func (w *WorstCase) Observe(s Sample) {
	if s.KHz < w.khz {
		w.khz = s.KHz
		w.sample = s
		w.seen = true
	}
}

// KHz returns the worst throughput, +Inf before any sample.
func (w *WorstCase) KHz() float64 { return w.khz }

// Sample returns the worst sample and whether there is one.
func (w *WorstCase) Sample() (Sample, bool) { return w.sample, w.seen }

// LowConfidence reports whether the worst sample proved too few cycles for
// its khz to be representative.
func (w *WorstCase) LowConfidence() bool {
	return w.seen && w.sample.Cycles < LowConfidenceCycles
}

// Report is the result of a benchmark run.
type Report struct {
	RunID         string
	Strategy      string
	Endpoint      string
	Samples       []Sample
	Worst         Sample
	LowConfidence bool
}

// SuggestedPeakKHz is the worst-case khz rounded for broker configuration.
func (r *Report) SuggestedPeakKHz() int64 {
	return int64(math.Round(r.Worst.KHz))
}

// WriteTo prints the worst case and the broker.toml recommendation.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Worst-case performance:\n")
	fmt.Fprintf(&b, "  Request ID: %s\n", market.IDHex(r.Worst.RequestID))
	fmt.Fprintf(&b, "  Performance: %.2f KHz\n", r.Worst.KHz)
	fmt.Fprintf(&b, "  Time: %.2f seconds\n", r.Worst.ElapsedSeconds)
	fmt.Fprintf(&b, "  Cycles: %.0f\n", r.Worst.Cycles)
	if r.LowConfidence {
		fmt.Fprintf(&b, "Warning: the worst-case proof has fewer than %d cycles and may understate throughput. Benchmark with a larger proof if possible.\n", LowConfidenceCycles)
	}
	b.WriteString("It is recommended to update this entry in broker.toml:\n")
	fmt.Fprintf(&b, "peak_prove_khz = %d\n\n", r.SuggestedPeakKHz())
	b.WriteString("Note: setting a lower value does not limit the proving speed, but will reduce the " +
		"total throughput of the orders locked by the broker. It is recommended to set a value " +
		"lower than this recommendation, and increase it over time to increase capacity.\n")

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
