package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/akshatgg/turngate/internal/event"
	"github.com/akshatgg/turngate/internal/pubsub"
	"github.com/akshatgg/turngate/internal/staleness"
	"github.com/akshatgg/turngate/internal/store"
)

type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) sink(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) all() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

// signalBroker announces each Subscribe call so tests can publish only
// after the stream is attached.
type signalBroker struct {
	*pubsub.MemoryBroker
	subscribed chan struct{}
}

func newSignalBroker() *signalBroker {
	return &signalBroker{
		MemoryBroker: pubsub.NewMemoryBroker(),
		subscribed:   make(chan struct{}, 4),
	}
}

func (b *signalBroker) Subscribe(ctx context.Context, key string, idleTimeout time.Duration) (pubsub.Subscription, error) {
	sub, err := b.MemoryBroker.Subscribe(ctx, key, idleTimeout)
	b.subscribed <- struct{}{}
	return sub, err
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func mustTurn(t *testing.T, st store.Store) (store.TurnRecord, store.JobRecord) {
	t.Helper()
	session, err := st.EnsureSession(context.Background(), "ws_1", "user_1", "", "hello")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	turn, job, err := st.CreateTurnWithJob(context.Background(), session, "hello")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	return turn, job
}

func mustAppend(t *testing.T, st store.Store, turnID string, kind store.StepKind, toolName, content, status string) {
	t.Helper()
	if _, err := st.AppendStep(context.Background(), turnID, kind, toolName, content, status); err != nil {
		t.Fatalf("append step: %v", err)
	}
}

func TestStreamUnknownTurnReturnsNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	streamer := New(testLogger(), st, staleness.New(st, time.Minute), pubsub.NewMemoryBroker(), time.Minute)

	var c collector
	err := streamer.Stream(context.Background(), "ws_1", "user_1", "missing", c.sink)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(c.all()) != 0 {
		t.Fatalf("no events must be written before the lookup succeeds, got %v", c.all())
	}
}

func TestStreamOwnershipScoped(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	streamer := New(testLogger(), st, staleness.New(st, time.Minute), pubsub.NewMemoryBroker(), time.Minute)

	var c collector
	err := streamer.Stream(context.Background(), "ws_other", "user_1", turn.TurnID, c.sink)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign workspace, got %v", err)
	}
}

func TestStreamCompletedTurnReplaysHistoryThenComplete(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	mustAppend(t, st, turn.TurnID, store.StepKindStatus, "", "analyzing request", "running")
	mustAppend(t, st, turn.TurnID, store.StepKindToolStart, "search", "", "")
	mustAppend(t, st, turn.TurnID, store.StepKindToolEnd, "search", "3 results", "")
	if err := st.CompleteTurn(context.Background(), turn.TurnID, "all done"); err != nil {
		t.Fatalf("complete turn: %v", err)
	}

	streamer := New(testLogger(), st, staleness.New(st, time.Minute), pubsub.NewMemoryBroker(), time.Minute)
	var c collector
	if err := streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, c.sink); err != nil {
		t.Fatalf("stream: %v", err)
	}

	want := []event.Event{
		{Type: event.TypeStatus, Content: "analyzing request", Status: "running"},
		{Type: event.TypeToolStart, ToolName: "search"},
		{Type: event.TypeToolEnd, ToolName: "search", Content: "3 results"},
		event.Complete("all done"),
	}
	if !reflect.DeepEqual(c.all(), want) {
		t.Fatalf("unexpected events:\n got %+v\nwant %+v", c.all(), want)
	}
}

func TestStreamFailedTurnIdenticalAcrossOpens(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	if err := st.FailTurn(context.Background(), turn.TurnID, "job failed"); err != nil {
		t.Fatalf("fail turn: %v", err)
	}

	streamer := New(testLogger(), st, staleness.New(st, time.Minute), pubsub.NewMemoryBroker(), time.Minute)

	var first, second collector
	if err := streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, first.sink); err != nil {
		t.Fatalf("first stream: %v", err)
	}
	if err := streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, second.sink); err != nil {
		t.Fatalf("second stream: %v", err)
	}

	want := []event.Event{event.Error("job failed")}
	if !reflect.DeepEqual(first.all(), want) {
		t.Fatalf("unexpected first open: %+v", first.all())
	}
	if !reflect.DeepEqual(second.all(), first.all()) {
		t.Fatalf("repeated opens diverged: %+v vs %+v", first.all(), second.all())
	}
}

func TestStreamStaleTimeoutFinalizesTurn(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	if err := st.StartTurn(context.Background(), turn.TurnID); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := st.StartJob(context.Background(), turn.JobID); err != nil {
		t.Fatalf("start job: %v", err)
	}

	detector := staleness.New(st, 10*time.Minute,
		staleness.WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	streamer := New(testLogger(), st, detector, pubsub.NewMemoryBroker(), time.Minute)

	var c collector
	if err := streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, c.sink); err != nil {
		t.Fatalf("stream: %v", err)
	}

	want := []event.Event{event.Error(staleness.ReasonTimeout)}
	if !reflect.DeepEqual(c.all(), want) {
		t.Fatalf("unexpected events: %+v", c.all())
	}

	loaded, err := st.GetTurn(context.Background(), "ws_1", "user_1", turn.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if loaded.Status != store.TurnStatusFailed {
		t.Fatalf("stale turn not finalized, status=%s", loaded.Status)
	}
	if loaded.FinalResponse != nil {
		t.Fatalf("failed turn must keep null final_response")
	}

	// Reopening now takes the terminal path and serves the same error.
	var again collector
	if err := streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, again.sink); err != nil {
		t.Fatalf("reopen stream: %v", err)
	}
	if !reflect.DeepEqual(again.all(), want) {
		t.Fatalf("reopen diverged: %+v", again.all())
	}
}

func TestStreamStaleMissingJob(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)

	detector := staleness.New(missingJobs{}, time.Minute)
	streamer := New(testLogger(), st, detector, pubsub.NewMemoryBroker(), time.Minute)

	var c collector
	if err := streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, c.sink); err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []event.Event{event.Error(staleness.ReasonJobMissing)}
	if !reflect.DeepEqual(c.all(), want) {
		t.Fatalf("unexpected events: %+v", c.all())
	}
}

type missingJobs struct{}

func (missingJobs) GetJob(context.Context, string) (store.JobRecord, error) {
	return store.JobRecord{}, store.ErrNotFound
}

func TestStreamDriftedCompleteRepairsTurn(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	if err := st.StartTurn(context.Background(), turn.TurnID); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	mustAppend(t, st, turn.TurnID, store.StepKindStatus, "", "analyzing request", "running")
	mustAppend(t, st, turn.TurnID, store.StepKindToolStart, "search", "", "")
	mustAppend(t, st, turn.TurnID, store.StepKindToolEnd, "search", "3 results", "")
	// Job finished but the turn row was never updated.
	if err := st.CompleteJob(context.Background(), turn.JobID, store.JobResult{FinalResponse: "the answer"}); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	streamer := New(testLogger(), st, staleness.New(st, time.Minute), pubsub.NewMemoryBroker(), time.Minute)
	var c collector
	if err := streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, c.sink); err != nil {
		t.Fatalf("stream: %v", err)
	}

	want := []event.Event{
		{Type: event.TypeStatus, Content: "analyzing request", Status: "running"},
		{Type: event.TypeToolStart, ToolName: "search"},
		{Type: event.TypeToolEnd, ToolName: "search", Content: "3 results"},
		event.Complete("the answer"),
	}
	if !reflect.DeepEqual(c.all(), want) {
		t.Fatalf("unexpected events:\n got %+v\nwant %+v", c.all(), want)
	}

	loaded, err := st.GetTurn(context.Background(), "ws_1", "user_1", turn.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if loaded.Status != store.TurnStatusCompleted {
		t.Fatalf("drift not repaired, status=%s", loaded.Status)
	}
	if loaded.FinalResponse == nil || *loaded.FinalResponse != "the answer" {
		t.Fatalf("final response not copied from job, got %v", loaded.FinalResponse)
	}
}

func TestStreamLiveReplaysThenRelaysUntilTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	if err := st.StartTurn(context.Background(), turn.TurnID); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := st.StartJob(context.Background(), turn.JobID); err != nil {
		t.Fatalf("start job: %v", err)
	}
	mustAppend(t, st, turn.TurnID, store.StepKindStatus, "", "analyzing request", "running")

	broker := newSignalBroker()
	streamer := New(testLogger(), st, staleness.New(st, time.Hour), broker, time.Minute)

	var c collector
	done := make(chan error, 1)
	go func() {
		done <- streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, c.sink)
	}()

	select {
	case <-broker.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream never subscribed")
	}

	ctx := context.Background()
	_ = broker.Publish(ctx, turn.TurnID, event.ToolStart("search"))
	_ = broker.Publish(ctx, turn.TurnID, event.ToolEnd("search", "3 results"))
	_ = broker.Publish(ctx, turn.TurnID, event.Complete("all done"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end on terminal event")
	}

	want := []event.Event{
		{Type: event.TypeStatus, Content: "analyzing request", Status: "running"},
		event.ToolStart("search"),
		event.ToolEnd("search", "3 results"),
		event.Complete("all done"),
	}
	if !reflect.DeepEqual(c.all(), want) {
		t.Fatalf("unexpected events:\n got %+v\nwant %+v", c.all(), want)
	}
}

func TestStreamLiveDropsUnknownEventTypes(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	if err := st.StartTurn(context.Background(), turn.TurnID); err != nil {
		t.Fatalf("start turn: %v", err)
	}

	broker := newSignalBroker()
	streamer := New(testLogger(), st, staleness.New(st, time.Hour), broker, time.Minute)

	var c collector
	done := make(chan error, 1)
	go func() {
		done <- streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, c.sink)
	}()
	<-broker.subscribed

	ctx := context.Background()
	_ = broker.Publish(ctx, turn.TurnID, event.Event{Type: "bogus", Content: "ignore me"})
	_ = broker.Publish(ctx, turn.TurnID, event.Complete("done"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end")
	}

	want := []event.Event{event.Complete("done")}
	if !reflect.DeepEqual(c.all(), want) {
		t.Fatalf("unknown event leaked: %+v", c.all())
	}
}

func TestStreamLiveIdleTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	if err := st.StartTurn(context.Background(), turn.TurnID); err != nil {
		t.Fatalf("start turn: %v", err)
	}

	streamer := New(testLogger(), st, staleness.New(st, time.Hour), pubsub.NewMemoryBroker(), 50*time.Millisecond)

	var c collector
	done := make(chan error, 1)
	go func() {
		done <- streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, c.sink)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not time out")
	}

	events := c.all()
	if len(events) != 1 || events[0].Type != event.TypeError {
		t.Fatalf("expected a single timeout error event, got %+v", events)
	}
}

func TestStreamLiveClientDisconnectIsSilent(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	if err := st.StartTurn(context.Background(), turn.TurnID); err != nil {
		t.Fatalf("start turn: %v", err)
	}

	broker := newSignalBroker()
	streamer := New(testLogger(), st, staleness.New(st, time.Hour), broker, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	var c collector
	done := make(chan error, 1)
	go func() {
		done <- streamer.Stream(ctx, "ws_1", "user_1", turn.TurnID, c.sink)
	}()
	<-broker.subscribed
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not stop on disconnect")
	}

	if len(c.all()) != 0 {
		t.Fatalf("disconnect must not write events, got %+v", c.all())
	}

	loaded, err := st.GetTurn(context.Background(), "ws_1", "user_1", turn.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if loaded.Status != store.TurnStatusProcessing {
		t.Fatalf("disconnect must not change turn state, got %s", loaded.Status)
	}
}

func TestStreamConcurrentOpensEachGetFullFeed(t *testing.T) {
	st := store.NewMemoryStore()
	turn, _ := mustTurn(t, st)
	if err := st.StartTurn(context.Background(), turn.TurnID); err != nil {
		t.Fatalf("start turn: %v", err)
	}

	broker := newSignalBroker()
	streamer := New(testLogger(), st, staleness.New(st, time.Hour), broker, time.Minute)

	const clients = 3
	collectors := make([]*collector, clients)
	done := make(chan error, clients)
	for i := 0; i < clients; i++ {
		collectors[i] = &collector{}
		c := collectors[i]
		go func() {
			done <- streamer.Stream(context.Background(), "ws_1", "user_1", turn.TurnID, c.sink)
		}()
	}
	for i := 0; i < clients; i++ {
		select {
		case <-broker.subscribed:
		case <-time.After(2 * time.Second):
			t.Fatalf("client %d never subscribed", i)
		}
	}

	ctx := context.Background()
	_ = broker.Publish(ctx, turn.TurnID, event.Status("working"))
	_ = broker.Publish(ctx, turn.TurnID, event.Complete("done"))

	for i := 0; i < clients; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("stream %d: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("stream %d did not end", i)
		}
	}

	want := []event.Event{event.Status("working"), event.Complete("done")}
	for i, c := range collectors {
		if !reflect.DeepEqual(c.all(), want) {
			t.Fatalf("client %d missed events: %+v", i, c.all())
		}
	}
}
