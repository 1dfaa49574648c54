package benchmark

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"ProofMarket/internal/bonsai"
	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
	"ProofMarket/internal/observability/alerting"
	"ProofMarket/internal/telemetry"
)

const programURL = "https://example.invalid/guest.bin"

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	data, ok := m[rawURL]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "missing "+rawURL)
	}
	return data, nil
}

type mapResolver map[string]market.Order

func (m mapResolver) ResolveOrder(_ context.Context, id *big.Int, _, _ *common.Hash) (market.Order, error) {
	order, ok := m[id.String()]
	if !ok {
		return market.Order{}, xerrors.New(xerrors.CodeNotFound, "no order")
	}
	return order, nil
}

// scriptedBackend replays status sequences keyed by guest stdin. The last
// status of a sequence repeats.
type scriptedBackend struct {
	mu          sync.Mutex
	scripts     map[string][]bonsai.SessionStatus
	images      []string
	inputs      []string
	statusCalls int
}

func (b *scriptedBackend) UploadImage(_ context.Context, imageID string, _ []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.images = append(b.images, imageID)
	return true, nil
}

func (b *scriptedBackend) UploadInput(_ context.Context, input []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs = append(b.inputs, string(input))
	return string(input), nil
}

func (b *scriptedBackend) CreateSession(_ context.Context, _, inputID string) (bonsai.Session, error) {
	return bonsai.Session{UUID: "sess-" + inputID}, nil
}

func (b *scriptedBackend) SessionStatus(_ context.Context, sessionID string) (bonsai.SessionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	key := strings.TrimPrefix(sessionID, "sess-")
	script := b.scripts[key]
	if len(script) == 0 {
		return bonsai.SessionStatus{}, fmt.Errorf("no script for %s", sessionID)
	}
	next := script[0]
	if len(script) > 1 {
		b.scripts[key] = script[1:]
	}
	return next, nil
}

type fakeTelemetry struct {
	m   telemetry.Measurement
	err error
}

func (f fakeTelemetry) Measure(context.Context, string) (telemetry.Measurement, error) {
	return f.m, f.err
}

// stepClock advances by step on every reading, so each proving session
// appears to take exactly step.
func stepClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

type bench struct {
	ids      []*big.Int
	resolver mapResolver
	fetcher  mapFetcher
	backend  *scriptedBackend
}

// newBench prepares one request per cycle count, each succeeding after one
// RUNNING poll.
func newBench(cycles ...uint64) *bench {
	b := &bench{
		resolver: mapResolver{},
		fetcher:  mapFetcher{programURL: []byte("elf")},
		backend:  &scriptedBackend{scripts: map[string][]bonsai.SessionStatus{}},
	}
	for i, c := range cycles {
		id := market.NewRequestID(common.HexToAddress("0xc1"), uint32(i+1), false)
		stdin := fmt.Sprintf("stdin-%d", i)
		b.ids = append(b.ids, id)
		b.resolver[id.String()] = market.Order{Request: market.ProofRequest{
			ID:           id,
			Requirements: market.Requirements{ImageID: common.HexToHash("0xab")},
			ImageURL:     programURL,
			Input:        market.Input{Type: market.InputInline, Data: market.GuestEnv{Stdin: []byte(stdin)}.Encode()},
		}}
		b.backend.scripts[stdin] = []bonsai.SessionStatus{
			{Status: bonsai.StatusRunning},
			{Status: bonsai.StatusSucceeded, Stats: &bonsai.Stats{TotalCycles: c}},
		}
	}
	return b
}

func (b *bench) harness(strategy Strategy, opts ...Option) *Harness {
	opts = append([]Option{WithPollInterval(time.Millisecond)}, opts...)
	return NewHarness(b.backend, b.resolver, b.fetcher, strategy, opts...)
}

func TestClientSideThroughput(t *testing.T) {
	b := newBench(2_000_000)
	var states []State
	h := b.harness(ClientSide{},
		WithClock(stepClock(2*time.Second)),
		WithStateObserver(func(_ *big.Int, s State) { states = append(states, s) }))

	report, err := h.Run(context.Background(), b.ids)
	require.NoError(t, err)
	require.Len(t, report.Samples, 1)
	require.InDelta(t, 1000.0, report.Worst.KHz, 1e-9)
	require.Equal(t, int64(1000), report.SuggestedPeakKHz())
	require.Equal(t, "client", report.Strategy)
	require.False(t, report.LowConfidence)
	require.NotEmpty(t, report.RunID)
	require.Equal(t, []State{StateFetched, StateUploaded, StateRunning, StateSucceeded}, states)
	require.Equal(t, 2, b.backend.statusCalls)
	require.Equal(t, []string{strings.Repeat("0", 62) + "ab"}, b.backend.images)
	require.Equal(t, []string{"stdin-0"}, b.backend.inputs)

	var out bytes.Buffer
	_, err = report.WriteTo(&out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "peak_prove_khz = 1000\n")
}

func TestTelemetryTakesPrecedence(t *testing.T) {
	b := newBench(2_000_000)
	source := fakeTelemetry{m: telemetry.Measurement{Cycles: 4_000_000, ElapsedSeconds: 1}}
	h := b.harness(SelectStrategy(source), WithClock(stepClock(2*time.Second)))

	report, err := h.Run(context.Background(), b.ids)
	require.NoError(t, err)
	require.Equal(t, "telemetry", report.Strategy)
	require.InDelta(t, 4000.0, report.Worst.KHz, 1e-9)
	require.Equal(t, 4_000_000.0, report.Worst.Cycles)
}

func TestTelemetryUnavailableFallsBackToClientSide(t *testing.T) {
	b := newBench(2_000_000)
	source := fakeTelemetry{err: xerrors.New(xerrors.CodeTelemetryUnavailable, "no rows")}
	h := b.harness(NewTelemetry(source), WithClock(stepClock(2*time.Second)))

	report, err := h.Run(context.Background(), b.ids)
	require.NoError(t, err)
	require.InDelta(t, 1000.0, report.Worst.KHz, 1e-9)
}

func TestTelemetryQueryErrorIsFatal(t *testing.T) {
	b := newBench(2_000_000)
	source := fakeTelemetry{err: xerrors.New(xerrors.CodeBackend, "broken")}
	h := b.harness(NewTelemetry(source), WithClock(stepClock(time.Second)))

	_, err := h.Run(context.Background(), b.ids)
	require.Equal(t, xerrors.CodeBackend, xerrors.CodeOf(err))
}

type recordingDispatcher struct {
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

func TestWorstCaseAcrossRequests(t *testing.T) {
	b := newBench(500_000, 200_000, 800_000)
	alerts := &recordingDispatcher{}
	h := b.harness(ClientSide{}, WithClock(stepClock(time.Second)), WithAlertDispatcher(alerts))

	report, err := h.Run(context.Background(), b.ids)
	require.NoError(t, err)
	require.Len(t, report.Samples, 3)
	require.InDelta(t, 200.0, report.Worst.KHz, 1e-9)
	require.Equal(t, 0, report.Worst.RequestID.Cmp(b.ids[1]))
	require.True(t, report.LowConfidence)
	require.Len(t, alerts.events, 1)
	require.Equal(t, CodeLowConfidence, alerts.events[0].Code)
	require.Equal(t, []string{market.IDHex(b.ids[1])}, alerts.events[0].RequestIDs)

	var out bytes.Buffer
	_, err = report.WriteTo(&out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "peak_prove_khz = 200\n")
	require.Contains(t, out.String(), "fewer than 1000000 cycles")
}

func TestWorstCaseTracker(t *testing.T) {
	w := NewWorstCase()
	require.True(t, math.IsInf(w.KHz(), 1))
	require.False(t, w.LowConfidence())

	w.Observe(Sample{KHz: 500, Cycles: 5_000_000})
	w.Observe(Sample{KHz: 200, Cycles: LowConfidenceCycles})
	w.Observe(Sample{KHz: 800, Cycles: 10})
	require.Equal(t, 200.0, w.KHz())
	require.False(t, w.LowConfidence())

	w.Observe(Sample{KHz: 100, Cycles: LowConfidenceCycles - 1})
	require.True(t, w.LowConfidence())
}

func TestFailedSessionAbortsRun(t *testing.T) {
	b := newBench(1_000_000, 2_000_000)
	b.backend.scripts["stdin-0"] = []bonsai.SessionStatus{{Status: bonsai.StatusFailed, ErrorMsg: "guest panicked"}}
	var states []State
	h := b.harness(ClientSide{}, WithStateObserver(func(_ *big.Int, s State) { states = append(states, s) }))

	_, err := h.Run(context.Background(), b.ids)
	require.Error(t, err)
	require.Equal(t, xerrors.CodeBackend, xerrors.CodeOf(err))
	require.Equal(t, xerrors.StageProve, xerrors.StageOf(err))
	require.Contains(t, err.Error(), "guest panicked")

	e, ok := xerrors.From(err)
	require.True(t, ok)
	require.Equal(t, market.IDsHex(b.ids), e.RequestIDs())
	require.Equal(t, market.IDHex(b.ids[0]), e.Metadata()["request_id"])
	require.Equal(t, StateFailed, states[len(states)-1])
	require.Equal(t, []string{"stdin-0"}, b.backend.inputs)
}

func TestSucceededWithoutStatsFails(t *testing.T) {
	b := newBench(1)
	b.backend.scripts["stdin-0"] = []bonsai.SessionStatus{{Status: bonsai.StatusSucceeded}}
	h := b.harness(ClientSide{})

	_, err := h.Run(context.Background(), b.ids)
	require.Equal(t, xerrors.CodeBackend, xerrors.CodeOf(err))
}

func TestEmptyRunIsRejected(t *testing.T) {
	h := newBench().harness(ClientSide{})
	_, err := h.Run(context.Background(), nil)
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestJobTimeout(t *testing.T) {
	b := newBench(1_000_000)
	b.backend.scripts["stdin-0"] = []bonsai.SessionStatus{{Status: bonsai.StatusRunning}}
	h := b.harness(ClientSide{}, WithJobTimeout(20*time.Millisecond))

	_, err := h.Run(context.Background(), b.ids)
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	require.Equal(t, xerrors.StageProve, xerrors.StageOf(err))
}

func TestCancellationStopsPolling(t *testing.T) {
	b := newBench(1_000_000)
	b.backend.scripts["stdin-0"] = []bonsai.SessionStatus{{Status: bonsai.StatusRunning}}
	h := b.harness(ClientSide{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := h.Run(ctx, b.ids)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, xerrors.CodeBackend, xerrors.CodeOf(err))
}

func TestKHzRequiresPositiveInputs(t *testing.T) {
	khz, err := KHz(2_000_000, 2)
	require.NoError(t, err)
	require.Equal(t, 1000.0, khz)

	_, err = KHz(0, 1)
	require.Equal(t, xerrors.CodeBackend, xerrors.CodeOf(err))
	_, err = KHz(1, 0)
	require.Equal(t, xerrors.CodeBackend, xerrors.CodeOf(err))
}
