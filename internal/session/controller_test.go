package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/geosentinel/internal/capture"
	"github.com/e7canasta/geosentinel/internal/eventbus"
	"github.com/e7canasta/geosentinel/internal/inference"
	"github.com/e7canasta/geosentinel/internal/types"
)

const testInterval = 10 * time.Millisecond

type result struct {
	d   types.Detection
	err error
}

// scriptedSubmitter replays results in order, then blocks until the tick
// context is cancelled.
type scriptedSubmitter struct {
	mu     sync.Mutex
	script []result
	calls  int
}

func (s *scriptedSubmitter) Submit(ctx context.Context, image []byte) (types.Detection, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if len(image) == 0 {
		return types.Detection{}, errors.New("empty frame")
	}
	if i < len(s.script) {
		r := s.script[i]
		if r.err == nil {
			r.d.Timestamp = time.Now()
		}
		return r.d, r.err
	}

	<-ctx.Done()
	return types.Detection{}, &inference.TransportError{Op: "post", Err: ctx.Err()}
}

func (s *scriptedSubmitter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingIndicator struct {
	mu     sync.Mutex
	writes []bool
	err    error
}

func (r *recordingIndicator) SetActive(_ context.Context, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, active)
	return r.err
}

func (r *recordingIndicator) Active(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.writes) == 0 {
		return false, nil
	}
	return r.writes[len(r.writes)-1], nil
}

func (r *recordingIndicator) Writes() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.writes...)
}

type harness struct {
	ctrl   *Controller
	source *capture.MockSource
	sub    *scriptedSubmitter
	ind    *recordingIndicator
	events chan eventbus.Event
}

func newHarness(t *testing.T, script ...result) *harness {
	t.Helper()

	h := &harness{
		source: capture.NewMockSource(16, 16, 80),
		sub:    &scriptedSubmitter{script: script},
		ind:    &recordingIndicator{},
		events: make(chan eventbus.Event, 256),
	}

	ctrl, err := New(Config{TickInterval: testInterval}, Deps{
		Source:    h.source,
		Submitter: h.sub,
		Indicator: h.ind,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := ctrl.Bus().Subscribe("test", h.events); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	h.ctrl = ctrl

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ctrl.Close(ctx)
	})
	return h
}

// waitFor returns the next event of type typ, skipping others.
func (h *harness) waitFor(t *testing.T, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type() == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", typ)
			return nil
		}
	}
}

func (h *harness) drainEvents() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func detection(risk types.RiskLevel, size types.RockSize, traj types.Trajectory, conf float64, recs ...string) result {
	return result{d: types.Detection{
		RiskLevel:       risk,
		RockSize:        size,
		Trajectory:      traj,
		Confidence:      conf,
		Recommendations: recs,
	}}
}

func TestController_TwoTickScenario(t *testing.T) {
	h := newHarness(t,
		detection(types.RiskMedium, types.RockSmall, types.TrajectoryStable, 0.62, "Increase monitoring"),
		detection(types.RiskLow, types.RockLarge, types.TrajectoryUnstable, 0.40, "Increase monitoring", "Evacuate zone C"),
	)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	toggled := h.waitFor(t, eventbus.TypeSessionToggled).(eventbus.SessionToggled)
	if !toggled.Active || toggled.HandleID == "" {
		t.Errorf("unexpected toggle event: %+v", toggled)
	}

	first := h.waitFor(t, eventbus.TypeDetectionApplied).(eventbus.DetectionApplied)
	wantFirst := types.AlertState{
		RiskLevel:       types.RiskMedium,
		RockSize:        types.RockSmall,
		Trajectory:      types.TrajectoryStable,
		Recommendations: []string{"Increase monitoring"},
	}
	if !reflect.DeepEqual(first.Alert, wantFirst) {
		t.Errorf("after tick 1: alert = %+v, want %+v", first.Alert, wantFirst)
	}

	second := h.waitFor(t, eventbus.TypeDetectionApplied).(eventbus.DetectionApplied)
	wantSecond := types.AlertState{
		RiskLevel:       types.RiskMedium,
		RockSize:        types.RockLarge,
		Trajectory:      types.TrajectoryUnstable,
		Recommendations: []string{"Increase monitoring", "Evacuate zone C"},
	}
	if !reflect.DeepEqual(second.Alert, wantSecond) {
		t.Errorf("after tick 2: alert = %+v, want %+v", second.Alert, wantSecond)
	}
	if !reflect.DeepEqual(second.Escalated, []string{"rock_size", "trajectory", "recommendations"}) {
		t.Errorf("escalated = %v", second.Escalated)
	}

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	view := h.ctrl.Snapshot()
	if view.State != StateIdle {
		t.Errorf("state = %s, want idle", view.State)
	}
	if !reflect.DeepEqual(view.Alert, wantSecond) {
		t.Errorf("alert after stop = %+v", view.Alert)
	}

	var confidences []float64
	for _, p := range view.Confidence {
		confidences = append(confidences, p.Confidence)
	}
	if !reflect.DeepEqual(confidences, []float64{0.62, 0.40}) {
		t.Errorf("confidence history = %v, want [0.62 0.4]", confidences)
	}
	if len(view.Detections) != 2 {
		t.Errorf("detection history length = %d, want 2", len(view.Detections))
	}
}

func TestController_StartFailureStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.source.SetUnavailable(true)

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Start: err = %v, want ErrDeviceUnavailable", err)
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.ctrl.State())
	}

	ev := h.waitFor(t, eventbus.TypeStartFailed).(eventbus.StartFailed)
	if !errors.Is(ev.Err, capture.ErrDeviceUnavailable) {
		t.Errorf("StartFailed carries %v", ev.Err)
	}
	if len(h.ind.Writes()) != 0 {
		t.Errorf("indicator written on failed start: %v", h.ind.Writes())
	}
	if h.ctrl.Snapshot().LastError == "" {
		t.Error("LastError not recorded")
	}

	// Device comes back
	h.source.SetUnavailable(false)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start after recovery failed: %v", err)
	}
}

func TestController_Reentrancy(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Stop(); err != nil {
		t.Errorf("Stop while idle: err = %v", err)
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Start: err = %v, want ErrAlreadyActive", err)
	}

	acquired, _ := h.source.Counts()
	if acquired != 1 {
		t.Errorf("device acquired %d times, want 1", acquired)
	}

	h.ctrl.Stop()
	h.ctrl.Stop()

	acquired, released := h.source.Counts()
	if acquired != 1 || released != 1 {
		t.Errorf("acquired=%d released=%d, want 1/1", acquired, released)
	}
}

func TestController_CleanShutdown(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Start(context.Background())
	view := h.ctrl.Snapshot()
	if view.HandleID == "" || view.SessionID == "" {
		t.Fatalf("active view missing ids: %+v", view)
	}

	// Let a few ticks fire; the submitter blocks on the first one
	deadline := time.Now().Add(time.Second)
	for h.sub.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(testInterval)
	}

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if h.source.Active() {
		t.Error("device still held after Stop")
	}

	calls := h.sub.Calls()
	time.Sleep(10 * testInterval)
	if got := h.sub.Calls(); got != calls {
		t.Errorf("submissions after Stop: before=%d after=%d", calls, got)
	}
	if h.ctrl.SchedulerStats().Running {
		t.Error("scheduler still running after Stop")
	}

	if !reflect.DeepEqual(h.ind.Writes(), []bool{true, false}) {
		t.Errorf("indicator writes = %v, want [true false]", h.ind.Writes())
	}

	// The in-flight submission was cancelled and must not surface
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.ctrl.sched.Drain(ctx)
	for _, ev := range h.drainEvents() {
		if ev.Type() == eventbus.TypeTickFailed {
			t.Errorf("tick failure reported after stop: %+v", ev)
		}
	}
}

// gatedSubmitter blocks its first call until released, ignoring
// cancellation, then returns d.
type gatedSubmitter struct {
	entered chan struct{}
	release chan struct{}
	d       types.Detection
	once    sync.Once
}

func (g *gatedSubmitter) Submit(ctx context.Context, image []byte) (types.Detection, error) {
	first := false
	g.once.Do(func() { first = true })
	if !first {
		<-ctx.Done()
		return types.Detection{}, ctx.Err()
	}

	close(g.entered)
	<-g.release
	return g.d, nil
}

func TestController_LateCompletionDiscarded(t *testing.T) {
	source := capture.NewMockSource(16, 16, 80)
	sub := &gatedSubmitter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		d: types.Detection{
			RiskLevel:       types.RiskCritical,
			RockSize:        types.RockLarge,
			Trajectory:      types.TrajectoryUnstable,
			Confidence:      0.99,
			Recommendations: []string{"Evacuate"},
		},
	}

	ctrl, err := New(Config{TickInterval: testInterval}, Deps{Source: source, Submitter: sub})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan eventbus.Event, 64)
	ctrl.Bus().Subscribe("test", events)

	ctrl.Start(context.Background())

	select {
	case <-sub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("submission never started")
	}

	ctrl.Stop()
	close(sub.release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ctrl.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	view := ctrl.Snapshot()
	if !view.Alert.IsEmpty() {
		t.Errorf("late result changed the alert: %+v", view.Alert)
	}
	if len(view.Detections) != 0 || len(view.Confidence) != 0 {
		t.Errorf("late result changed the histories: %d/%d", len(view.Detections), len(view.Confidence))
	}

	for {
		select {
		case ev := <-events:
			if ev.Type() == eventbus.TypeDetectionApplied {
				t.Errorf("late result published: %+v", ev)
			}
			continue
		default:
		}
		break
	}
}

// stagedSubmitter returns script results in call order. The call at index
// gate blocks until release, ignoring cancellation. Calls past the script
// block until the tick context is cancelled.
type stagedSubmitter struct {
	mu      sync.Mutex
	calls   int
	gate    int
	script  []types.Detection
	entered chan struct{}
	release chan struct{}
}

func newStagedSubmitter(gate int, script ...types.Detection) *stagedSubmitter {
	return &stagedSubmitter{
		gate:    gate,
		script:  script,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stagedSubmitter) Submit(ctx context.Context, image []byte) (types.Detection, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if i == s.gate {
		close(s.entered)
		<-s.release
	}
	if i < len(s.script) {
		d := s.script[i].Clone()
		d.Timestamp = time.Now()
		return d, nil
	}

	<-ctx.Done()
	return types.Detection{}, ctx.Err()
}

func (s *stagedSubmitter) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("gated submission never started")
	}
}

func TestController_LateCompletionAfterRestart(t *testing.T) {
	stale := types.Detection{
		RiskLevel:       types.RiskCritical,
		RockSize:        types.RockLarge,
		Trajectory:      types.TrajectoryUnstable,
		Confidence:      0.99,
		Recommendations: []string{"Evacuate"},
	}
	fresh := types.Detection{
		RiskLevel:       types.RiskLow,
		RockSize:        types.RockSmall,
		Trajectory:      types.TrajectoryStable,
		Confidence:      0.30,
		Recommendations: []string{"Keep observing"},
	}
	sub := newStagedSubmitter(0, stale, fresh)

	ctrl, err := New(Config{TickInterval: testInterval}, Deps{
		Source:    capture.NewMockSource(16, 16, 80),
		Submitter: sub,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ctrl.Close(ctx)
	})
	events := make(chan eventbus.Event, 256)
	ctrl.Bus().Subscribe("test", events)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	oldSession := ctrl.Snapshot().SessionID
	sub.waitEntered(t)

	ctrl.Stop()
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	newSession := ctrl.Snapshot().SessionID
	if newSession == oldSession {
		t.Fatal("restart reused the session id")
	}
	close(sub.release)

	timeout := time.After(2 * time.Second)
	var applied eventbus.DetectionApplied
wait:
	for {
		select {
		case ev := <-events:
			if a, ok := ev.(eventbus.DetectionApplied); ok {
				applied = a
				break wait
			}
		case <-timeout:
			t.Fatal("new session never applied a detection")
		}
	}

	if applied.SessionID != newSession {
		t.Errorf("first applied detection belongs to session %s, want %s", applied.SessionID, newSession)
	}
	if applied.Detection.RiskLevel != types.RiskLow {
		t.Errorf("applied risk = %s, want the new session's result", applied.Detection.RiskLevel)
	}

	view := ctrl.Snapshot()
	if len(view.Detections) != 1 || view.Detections[0].RiskLevel != types.RiskLow {
		t.Errorf("detections after restart = %+v", view.Detections)
	}
	if view.Alert.RiskLevel != types.RiskLow || !reflect.DeepEqual(view.Alert.Recommendations, []string{"Keep observing"}) {
		t.Errorf("stale result leaked into the alert: %+v", view.Alert)
	}
}

func TestController_LateCompletionKeepsRetainedResults(t *testing.T) {
	first := types.Detection{
		RiskLevel:       types.RiskMedium,
		RockSize:        types.RockSmall,
		Trajectory:      types.TrajectoryStable,
		Confidence:      0.62,
		Recommendations: []string{"Increase monitoring"},
	}
	late := types.Detection{
		RiskLevel:       types.RiskCritical,
		RockSize:        types.RockLarge,
		Trajectory:      types.TrajectoryUnstable,
		Confidence:      0.95,
		Recommendations: []string{"Evacuate"},
	}
	sub := newStagedSubmitter(1, first, late)

	ctrl, err := New(Config{TickInterval: testInterval}, Deps{
		Source:    capture.NewMockSource(16, 16, 80),
		Submitter: sub,
	})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan eventbus.Event, 256)
	ctrl.Bus().Subscribe("test", events)

	ctrl.Start(context.Background())
	sub.waitEntered(t)

	ctrl.Stop()
	retained := ctrl.Snapshot()
	if len(retained.Detections) != 1 || retained.Alert.RiskLevel != types.RiskMedium {
		t.Fatalf("retained results before late completion = %+v", retained)
	}

	close(sub.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ctrl.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if after := ctrl.Snapshot(); !reflect.DeepEqual(after, retained) {
		t.Errorf("late completion changed retained results:\n got  %+v\n want %+v", after, retained)
	}

	applied := 0
	for {
		select {
		case ev := <-events:
			if ev.Type() == eventbus.TypeDetectionApplied {
				applied++
			}
			continue
		default:
		}
		break
	}
	if applied != 1 {
		t.Errorf("detections published = %d, want 1", applied)
	}
}

func TestController_SnapshotsDoNotShareMemory(t *testing.T) {
	h := newHarness(t, detection(types.RiskHigh, types.RockSmall, types.TrajectoryStable, 0.7, "Close road"))

	h.ctrl.Start(context.Background())
	applied := h.waitFor(t, eventbus.TypeDetectionApplied).(eventbus.DetectionApplied)
	h.ctrl.Stop()

	applied.Detection.Recommendations[0] = "changed by sink"
	applied.Alert.Recommendations[0] = "changed by sink"

	view := h.ctrl.Snapshot()
	view.Detections[0].Recommendations[0] = "changed by reader"
	view.Alert.Recommendations[0] = "changed by reader"

	fresh := h.ctrl.Snapshot()
	if got := fresh.Detections[0].Recommendations; !reflect.DeepEqual(got, []string{"Close road"}) {
		t.Errorf("stored detection recommendations = %v", got)
	}
	if got := fresh.Alert.Recommendations; !reflect.DeepEqual(got, []string{"Close road"}) {
		t.Errorf("stored alert recommendations = %v", got)
	}
}

func TestController_TickFailuresDoNotStopSession(t *testing.T) {
	h := newHarness(t,
		result{err: &inference.ServerError{Status: 500, Message: "model not loaded"}},
		detection(types.RiskHigh, types.RockMedium, types.TrajectoryModerate, 0.8),
	)
	h.source.FailNextSnapshots(1)

	h.ctrl.Start(context.Background())

	captureFail := h.waitFor(t, eventbus.TypeTickFailed).(eventbus.TickFailed)
	if captureFail.Kind != KindCapture || !errors.Is(captureFail.Err, capture.ErrCaptureFailed) {
		t.Errorf("first failure = %+v, want capture", captureFail)
	}

	serverFail := h.waitFor(t, eventbus.TypeTickFailed).(eventbus.TickFailed)
	if serverFail.Kind != "server" {
		t.Errorf("second failure kind = %q, want server", serverFail.Kind)
	}

	applied := h.waitFor(t, eventbus.TypeDetectionApplied).(eventbus.DetectionApplied)
	if applied.Alert.RiskLevel != types.RiskHigh {
		t.Errorf("alert risk = %q, want high", applied.Alert.RiskLevel)
	}

	if h.ctrl.State() != StateActive {
		t.Errorf("state = %s, want active", h.ctrl.State())
	}
}

func TestController_ClearInAnyState(t *testing.T) {
	h := newHarness(t, detection(types.RiskHigh, types.RockSmall, types.TrajectoryStable, 0.5, "Close road"))

	h.ctrl.Start(context.Background())
	h.waitFor(t, eventbus.TypeDetectionApplied)

	h.ctrl.Clear()
	h.waitFor(t, eventbus.TypeResultsCleared)

	view := h.ctrl.Snapshot()
	if !view.Alert.IsEmpty() || len(view.Detections) != 0 || len(view.Confidence) != 0 {
		t.Errorf("Clear while active left results: %+v", view)
	}
	if view.State != StateActive {
		t.Errorf("Clear changed state to %s", view.State)
	}

	h.ctrl.Stop()
	h.ctrl.Clear()
	h.waitFor(t, eventbus.TypeResultsCleared)
}

func TestController_RestartResetsResults(t *testing.T) {
	h := newHarness(t, detection(types.RiskCritical, types.RockLarge, types.TrajectoryUnstable, 0.9, "Evacuate"))

	h.ctrl.Start(context.Background())
	h.waitFor(t, eventbus.TypeDetectionApplied)
	first := h.ctrl.Snapshot().SessionID
	h.ctrl.Stop()

	if h.ctrl.Snapshot().Alert.RiskLevel != types.RiskCritical {
		t.Fatal("results should survive Stop")
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	view := h.ctrl.Snapshot()
	if !view.Alert.IsEmpty() || len(view.Detections) != 0 {
		t.Errorf("restart did not reset results: %+v", view)
	}
	if view.SessionID == first {
		t.Error("restart reused the session id")
	}
}

func TestController_Close(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.ctrl.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if h.source.Active() {
		t.Error("device held after Close")
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("state after Close = %s", h.ctrl.State())
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close: err = %v, want ErrClosed", err)
	}
	if err := h.ctrl.Bus().Subscribe("late", make(chan eventbus.Event, 1)); !errors.Is(err, eventbus.ErrBusClosed) {
		t.Errorf("bus not closed: %v", err)
	}
	if err := h.ctrl.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

type panickingSubmitter struct{}

func (panickingSubmitter) Submit(context.Context, []byte) (types.Detection, error) {
	panic("decoder exploded")
}

func TestController_PanicReportedAsTickFailure(t *testing.T) {
	ctrl, err := New(Config{TickInterval: testInterval}, Deps{
		Source:    capture.NewMockSource(8, 8, 80),
		Submitter: panickingSubmitter{},
	})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan eventbus.Event, 64)
	ctrl.Bus().Subscribe("test", events)

	ctrl.Start(context.Background())
	defer ctrl.Close(context.Background())

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if f, ok := ev.(eventbus.TickFailed); ok {
				if f.Kind != KindPanic {
					t.Errorf("kind = %q, want panic", f.Kind)
				}
				return
			}
		case <-timeout:
			t.Fatal("no TickFailed event for panicking tick")
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, Deps{Submitter: &scriptedSubmitter{}}); err == nil {
		t.Error("expected error without source")
	}
	if _, err := New(Config{}, Deps{Source: capture.NewMockSource(8, 8, 80)}); err == nil {
		t.Error("expected error without submitter")
	}
}
