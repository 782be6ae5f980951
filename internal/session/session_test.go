package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/interp/exprlang"
)

type scriptFunc func(ctx context.Context, emit func(string)) (any, error)

// fakeInterpreter maps script text to behaviour and records execution order.
type fakeInterpreter struct {
	mu      sync.Mutex
	scripts map[string]scriptFunc
	order   []string
}

func newFake() *fakeInterpreter {
	return &fakeInterpreter{scripts: make(map[string]scriptFunc)}
}

func (f *fakeInterpreter) on(script string, fn scriptFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[script] = fn
}

func (f *fakeInterpreter) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeInterpreter) Execute(ctx context.Context, script string, emit func(string)) (any, error) {
	f.mu.Lock()
	f.order = append(f.order, script)
	fn := f.scripts[script]
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no behaviour for %q", script)
	}
	return fn(ctx, emit)
}

func returns(v any) scriptFunc {
	return func(context.Context, func(string)) (any, error) { return v, nil }
}

func fails(msg string) scriptFunc {
	return func(context.Context, func(string)) (any, error) { return nil, errors.New(msg) }
}

func gated(gate <-chan struct{}, v any) scriptFunc {
	return func(ctx context.Context, _ func(string)) (any, error) {
		select {
		case <-gate:
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// newSession returns a session whose worker has not started, so a test can
// queue a whole batch before anything runs.
func newSession(t *testing.T, interp domain.Interpreter, opts ...Option) *Session {
	t.Helper()
	s := New(interp, opts...)
	t.Cleanup(s.Stop)
	return s
}

func startSession(t *testing.T, interp domain.Interpreter, opts ...Option) *Session {
	t.Helper()
	s := newSession(t, interp, opts...)
	s.Start(context.Background())
	return s
}

func submitAll(t *testing.T, s *Session, jobs ...string) {
	t.Helper()
	for i := 0; i+1 < len(jobs); i += 2 {
		_, err := s.Submit(jobs[i], jobs[i+1])
		require.NoError(t, err)
	}
}

func pendingSignals(s *Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitGeneratesUniqueNames(t *testing.T) {
	fake := newFake()
	fake.on("noop", returns(nil))
	s := startSession(t, fake)

	hex := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		name, err := s.Submit("", "noop")
		require.NoError(t, err)
		assert.Regexp(t, hex, name)
		assert.False(t, seen[name], "duplicate generated name %s", name)
		seen[name] = true
	}
}

func TestJobsStartInSubmissionOrder(t *testing.T) {
	fake := newFake()
	var want []string
	for i := 0; i < 25; i++ {
		script := fmt.Sprintf("job-%02d", i)
		fake.on(script, returns(i))
		want = append(want, script)
	}

	s := startSession(t, fake)
	for _, script := range want {
		_, err := s.Submit(script, script)
		require.NoError(t, err)
	}

	v, err := s.Await(awaitCtx(t), want[len(want)-1])
	require.NoError(t, err)
	assert.Equal(t, 24, v)
	assert.Equal(t, want, fake.executed())
}

func TestAwaitBeforeAndAfterCompletion(t *testing.T) {
	fake := newFake()
	gate := make(chan struct{})
	fake.on("slow", gated(gate, "value"))
	s := startSession(t, fake)

	_, err := s.Submit("slow", "slow")
	require.NoError(t, err)

	type result struct {
		v   any
		err error
	}
	got := make(chan result, 1)
	go func() {
		v, err := s.Await(awaitCtx(t), "slow")
		got <- result{v, err}
	}()

	select {
	case <-got:
		t.Fatal("Await returned before the job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, "value", r.v)

	again, err := s.Await(awaitCtx(t), "slow")
	require.NoError(t, err)
	assert.Equal(t, r.v, again)
}

func TestAwaitIgnoresSpuriousWakeups(t *testing.T) {
	fake := newFake()
	gate := make(chan struct{})
	fake.on("slow", gated(gate, 7))
	s := startSession(t, fake)

	_, err := s.Submit("slow", "slow")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().Running == "slow" }, time.Second, 5*time.Millisecond)

	got := make(chan any, 1)
	go func() {
		v, _ := s.Await(awaitCtx(t), "slow")
		got <- v
	}()

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		s.mu.Lock()
		s.wakeWaitersLocked()
		s.mu.Unlock()
	}

	select {
	case v := <-got:
		t.Fatalf("Await returned %v after a spurious wakeup", v)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	assert.Equal(t, 7, <-got)
}

func TestFailureDropsQueuedJobs(t *testing.T) {
	fake := newFake()
	fake.on("a", returns("A"))
	fake.on("b", fails("boom"))
	fake.on("c", returns("C"))
	fake.on("d", returns("D"))
	s := newSession(t, fake)

	submitAll(t, s, "a", "a", "b", "b", "c", "c")
	s.Start(context.Background())

	v, err := s.Await(awaitCtx(t), "a")
	require.NoError(t, err)
	assert.Equal(t, "A", v)

	_, err = s.Await(awaitCtx(t), "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScriptExecution)
	var jobErr *domain.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "b", jobErr.Name)

	// The latch was drained by the failed Await.
	require.NoError(t, s.CheckError())

	_, err = s.Status("c")
	assert.ErrorIs(t, err, domain.ErrUnknownJob)

	st, err := s.Status("b")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, st.State)
	assert.False(t, st.Finished)
	require.Len(t, st.Messages, 1)
	assert.Contains(t, st.Messages[0], "boom")

	_, err = s.Submit("d", "d")
	require.NoError(t, err)
	v, err = s.Await(awaitCtx(t), "d")
	require.NoError(t, err)
	assert.Equal(t, "D", v)

	assert.Equal(t, []string{"a", "b", "d"}, fake.executed())
}

func TestSubmitRejectedUntilFailureIsCleared(t *testing.T) {
	fake := newFake()
	fake.on("bad", fails("nope"))
	fake.on("good", returns(1))
	s := startSession(t, fake)

	_, err := s.Submit("bad", "bad")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := s.Status("bad")
		return err == nil && st.State == domain.JobStateFailed
	}, time.Second, 5*time.Millisecond)

	_, err = s.Submit("good", "good")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSubmissionRejected)
	assert.ErrorIs(t, err, domain.ErrScriptExecution)

	err = s.CheckError()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScriptExecution)
	assert.NoError(t, s.CheckError(), "latch must clear exactly once")

	_, err = s.Submit("good", "good")
	require.NoError(t, err)
	v, err := s.Await(awaitCtx(t), "good")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestStatusDeliversEachMessageOnce(t *testing.T) {
	fake := newFake()
	progress := make(chan struct{})
	step1 := make(chan struct{})
	step2 := make(chan struct{})
	fake.on("chatty", func(ctx context.Context, emit func(string)) (any, error) {
		emit("m1")
		progress <- struct{}{}
		<-step1
		emit("m2")
		emit("m3")
		progress <- struct{}{}
		<-step2
		emit("m4")
		return "ok", nil
	})
	s := startSession(t, fake)

	_, err := s.Submit("chatty", "chatty")
	require.NoError(t, err)

	var delivered []string

	<-progress
	st, err := s.Status("chatty")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRunning, st.State)
	assert.False(t, st.Finished)
	assert.Equal(t, []string{"m1"}, st.New)
	delivered = append(delivered, st.New...)

	close(step1)
	<-progress
	st, err = s.Status("chatty")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, st.New)
	delivered = append(delivered, st.New...)

	st, err = s.Status("chatty")
	require.NoError(t, err)
	assert.Empty(t, st.New)
	assert.Equal(t, []string{"m1", "m2", "m3"}, st.Messages)

	close(step2)
	_, err = s.Await(awaitCtx(t), "chatty")
	require.NoError(t, err)

	st, err = s.Status("chatty")
	require.NoError(t, err)
	assert.True(t, st.Finished)
	assert.Equal(t, domain.JobStateCompleted, st.State)
	delivered = append(delivered, st.New...)

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, delivered)
	assert.Equal(t, delivered, st.Messages)
}

func TestDuplicateNameFailsTheQueue(t *testing.T) {
	fake := newFake()
	fake.on("first", returns(1))
	fake.on("second", returns(2))
	fake.on("after", returns(3))
	gate := make(chan struct{})
	fake.on("hold", gated(gate, nil))
	s := startSession(t, fake)

	_, err := s.Submit("x", "first")
	require.NoError(t, err)
	v, err := s.Await(awaitCtx(t), "x")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	submitAll(t, s, "h", "hold", "x", "second", "y", "after")
	close(gate)

	_, err = s.Await(awaitCtx(t), "y")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateJobName)

	v, err = s.Await(awaitCtx(t), "x")
	require.NoError(t, err)
	assert.Equal(t, 1, v, "prior result must not be overwritten")
	assert.Equal(t, []string{"first", "hold"}, fake.executed())
}

func TestResubmittingFailedNameForgetsTheError(t *testing.T) {
	fake := newFake()
	fake.on("bad", fails("boom"))
	fake.on("good", returns("fixed"))
	s := startSession(t, fake)

	_, err := s.Submit("x", "bad")
	require.NoError(t, err)
	_, err = s.Await(awaitCtx(t), "x")
	require.ErrorIs(t, err, domain.ErrScriptExecution)
	require.NoError(t, s.CheckError())

	st, err := s.Status("x")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, st.State)

	_, err = s.Submit("x", "good")
	require.NoError(t, err)
	v, err := s.Await(awaitCtx(t), "x")
	require.NoError(t, err)
	assert.Equal(t, "fixed", v)

	st, err = s.Status("x")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, st.State)
	assert.True(t, st.Finished)
}

func TestCompletionSignalsAreReleased(t *testing.T) {
	fake := newFake()
	gate := make(chan struct{})
	fake.on("a", func(ctx context.Context, _ func(string)) (any, error) {
		<-gate
		return nil, errors.New("a broke")
	})
	fake.on("b", returns("B"))
	s := newSession(t, fake, WithAwaitTimeout(time.Second))
	submitAll(t, s, "a", "a", "b", "b")

	errs := make(chan error, 3)
	for _, n := range []string{"a", "b", "b"} {
		go func(name string) {
			_, err := s.Await(context.Background(), name)
			errs <- err
		}(n)
	}
	require.Eventually(t, func() bool { return pendingSignals(s) == 2 }, time.Second, 5*time.Millisecond)

	s.Start(context.Background())
	close(gate)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, domain.ErrScriptExecution)
	}
	assert.Zero(t, pendingSignals(s))

	require.NoError(t, s.CheckError())
	_, err := s.Await(context.Background(), "never-submitted")
	require.ErrorIs(t, err, domain.ErrAwaitTimeout)
	assert.Zero(t, pendingSignals(s))
}

func TestReset(t *testing.T) {
	interp := exprlang.New()
	s := startSession(t, interp)
	ctx := awaitCtx(t)

	_, err := s.Submit("set", "x = 1;")
	require.NoError(t, err)
	_, err = s.Await(ctx, "set")
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	_, ok := interp.Lookup("x")
	assert.False(t, ok)

	_, err = s.Submit("use", "x")
	require.NoError(t, err)
	_, err = s.Await(ctx, "use")
	assert.ErrorIs(t, err, domain.ErrScriptExecution)
}

// resettable adds a Reset counter to the fake.
type resettable struct {
	*fakeInterpreter
	resets int
}

func (r *resettable) Reset() { r.resets++ }

func TestResetRefusedWhileBusy(t *testing.T) {
	fake := newFake()
	gate := make(chan struct{})
	fake.on("slow", gated(gate, nil))
	interp := &resettable{fakeInterpreter: fake}
	s := startSession(t, interp)

	_, err := s.Submit("slow", "slow")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().Running == "slow" }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Reset(), domain.ErrSessionBusy)
	assert.Zero(t, interp.resets)

	close(gate)
	_, err = s.Await(awaitCtx(t), "slow")
	require.NoError(t, err)
	require.NoError(t, s.Reset())
	assert.Equal(t, 1, interp.resets)
}

func TestResetUnsupported(t *testing.T) {
	s := startSession(t, newFake())
	assert.ErrorIs(t, s.Reset(), domain.ErrResetUnsupported)
}

func TestEveryWaiterIsReleasedOnFailure(t *testing.T) {
	fake := newFake()
	gate := make(chan struct{})
	fake.on("a", func(ctx context.Context, _ func(string)) (any, error) {
		<-gate
		return nil, errors.New("a broke")
	})
	fake.on("b", returns("B"))
	fake.on("c", returns("C"))
	s := startSession(t, fake)

	submitAll(t, s, "a", "a", "b", "b", "c", "c")

	errs := make(chan error, 2)
	for _, n := range []string{"b", "c"} {
		go func(name string) {
			_, err := s.Await(awaitCtx(t), name)
			errs <- err
		}(n)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrScriptExecution)
	}
	assert.NoError(t, s.CheckError())
	assert.Equal(t, []string{"a"}, fake.executed())
}

func TestInterpreterPanicIsAFailure(t *testing.T) {
	fake := newFake()
	fake.on("panic", func(context.Context, func(string)) (any, error) { panic("kaboom") })
	s := startSession(t, fake)

	_, err := s.Submit("p", "panic")
	require.NoError(t, err)

	_, err = s.Await(awaitCtx(t), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScriptExecution)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestAwaitTimeout(t *testing.T) {
	s := startSession(t, newFake(), WithAwaitTimeout(20*time.Millisecond))

	_, err := s.Await(context.Background(), "never-submitted")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAwaitTimeout)
}

func TestAwaitHonoursCancellation(t *testing.T) {
	s := startSession(t, newFake())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.Await(ctx, "never-submitted")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStop(t *testing.T) {
	fake := newFake()
	fake.on("forever", func(ctx context.Context, _ func(string)) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := New(fake)
	s.Start(context.Background())

	_, err := s.Submit("f", "forever")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().Running == "f" }, time.Second, 5*time.Millisecond)

	waiting := make(chan error, 1)
	go func() {
		_, err := s.Await(context.Background(), "other")
		waiting <- err
	}()

	s.Stop()

	_, err = s.Submit("late", "forever")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.ErrorIs(t, <-waiting, domain.ErrSessionClosed)
}

func TestStopWithoutStart(t *testing.T) {
	s := New(newFake())
	s.Stop()
	_, err := s.Submit("", "x")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestSnapshotListsPendingJobs(t *testing.T) {
	fake := newFake()
	gate := make(chan struct{})
	fake.on("slow", gated(gate, nil))
	fake.on("fast", returns(nil))
	s := startSession(t, fake)

	_, err := s.Submit("one", "slow")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().Running == "one" }, time.Second, 5*time.Millisecond)
	submitAll(t, s, "two", "fast", "three", "fast")

	snap := s.Snapshot()
	assert.Equal(t, "one", snap.Running)
	assert.Equal(t, []string{"two", "three"}, snap.Pending)

	close(gate)
	_, err = s.Await(awaitCtx(t), "three")
	require.NoError(t, err)
	assert.Equal(t, Snapshot{Pending: []string{}}, s.Snapshot())
}

type captureRecorder struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
}

func (c *captureRecorder) Record(_ context.Context, o domain.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
	return nil
}

func (c *captureRecorder) all() []domain.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Outcome(nil), c.outcomes...)
}

type captureBus struct {
	mu   sync.Mutex
	msgs []domain.JobMessage
}

func (c *captureBus) Broadcast(_ context.Context, msg domain.JobMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureBus) SubscribeMessages(context.Context) (<-chan domain.JobMessage, error) {
	return nil, errors.New("not supported")
}

func (c *captureBus) all() []domain.JobMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.JobMessage(nil), c.msgs...)
}

func TestOutcomesAreRecordedAndBroadcast(t *testing.T) {
	fake := newFake()
	fake.on("talk", func(_ context.Context, emit func(string)) (any, error) {
		emit("hello")
		return 42, nil
	})
	fake.on("bad", fails("broken"))
	fake.on("skipped", returns(nil))

	rec := &captureRecorder{}
	bus := &captureBus{}
	s := newSession(t, fake, WithRecorder(rec), WithBus(bus))

	submitAll(t, s, "talk", "talk", "bad", "bad", "skipped", "skipped")
	s.Start(context.Background())

	v, err := s.Await(awaitCtx(t), "talk")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = s.Await(awaitCtx(t), "skipped")
	require.Error(t, err)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	outcomes := rec.all()
	assert.Equal(t, "talk", outcomes[0].Name)
	assert.Equal(t, 42, outcomes[0].Value)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, "bad", outcomes[1].Name)
	assert.ErrorIs(t, outcomes[1].Err, domain.ErrScriptExecution)
	assert.Equal(t, []string{"skipped"}, outcomes[1].Dropped)

	msgs := bus.all()
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, domain.JobMessage{JobName: "talk", Seq: 1, Text: "hello", At: msgs[0].At}, msgs[0])
	assert.True(t, msgs[1].Final)
	assert.Equal(t, "42", msgs[1].Text)
	assert.Equal(t, domain.JobStateCompleted, msgs[1].State)

	last := msgs[len(msgs)-1]
	assert.Equal(t, "bad", last.JobName)
	assert.True(t, last.Final)
	assert.Equal(t, domain.JobStateFailed, last.State)
}

// The scenario from the design notes, run against the built-in interpreter.
func TestExampleScenario(t *testing.T) {
	s := newSession(t, exprlang.New())
	ctx := awaitCtx(t)

	submitAll(t, s,
		"job1", "return 1+1",
		"job2", "return 1/0",
		"job3", "return 3",
	)
	s.Start(context.Background())

	v, err := s.Await(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = s.Await(ctx, "job3")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScriptExecution)
	assert.ErrorIs(t, err, exprlang.ErrArithmetic)

	require.NoError(t, s.CheckError())

	_, err = s.Submit("job4", "return 4")
	require.NoError(t, err)
	v, err = s.Await(ctx, "job4")
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}
