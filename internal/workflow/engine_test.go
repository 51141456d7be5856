package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/llm"
	"github.com/avvvet/planbuddy/internal/memory"
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/prompts"
)

var testRetry = llm.RetryConfig{
	BackoffBase:       time.Millisecond,
	BackoffMultiplier: 1,
	MaxBackoff:        time.Millisecond,
}

// steps is a scripted planner: a message mentioning a city completes the
// football event, anything else leaves it incomplete.
type steps struct {
	classify   StepFunc
	venue      StepFunc
	event      StepFunc
	transport  StepFunc
	stay       StepFunc
	synthesize StepFunc

	calls sync.Map // node name -> *atomic.Int32

	mu        sync.Mutex
	histories [][]models.Message
	joined    *models.ConversationState
}

func fakeSteps() *steps {
	s := &steps{}
	s.classify = s.scriptedClassify
	s.venue = func(context.Context, *models.ConversationState) (models.Update, error) {
		return models.Update{VenueOutput: &models.SearchOutput{Candidates: []models.Candidate{{Title: "Smash Arena"}}}}, nil
	}
	s.event = func(ctx context.Context, _ *models.ConversationState) (models.Update, error) {
		Notify(ctx, "Searching for sports events...")
		return models.Update{EventOutput: &models.SearchOutput{Candidates: []models.Candidate{{Title: "City Cup", Location: "Mumbai"}}}}, nil
	}
	s.transport = func(context.Context, *models.ConversationState) (models.Update, error) {
		return models.Update{TransportOutput: &models.TransportOutput{
			Status:  models.BranchResults,
			Options: []models.TransportOption{{Mode: "train", From: "Pune", To: "Mumbai"}},
		}}, nil
	}
	s.stay = func(context.Context, *models.ConversationState) (models.Update, error) {
		return models.Update{StayOutput: &models.StayOutput{Status: models.BranchNotNeeded, Summary: models.NoStayNeeded}}, nil
	}
	s.synthesize = func(_ context.Context, state *models.ConversationState) (models.Update, error) {
		joined, err := state.Clone()
		if err != nil {
			return models.Update{}, err
		}
		s.mu.Lock()
		s.joined = joined
		s.mu.Unlock()

		plans := &models.PlanSet{
			Text:  "Plan 1: City Cup by train\nTake the early train.",
			Plans: []models.Plan{{Number: 1, Title: "City Cup by train", Summary: "Take the early train."}},
			Calendar: []models.CalendarEntry{{
				Title:     "City Cup by train",
				StartTime: "2025-07-06T06:00:00",
				EndTime:   "2025-07-06T20:00:00",
				Location:  "Mumbai",
			}},
		}
		return models.Update{
			FinalOutput: plans,
			Messages:    []models.Message{{Role: models.RoleAssistant, Content: plans.Text}},
		}, nil
	}
	return s
}

func (s *steps) scriptedClassify(_ context.Context, state *models.ConversationState) (models.Update, error) {
	s.mu.Lock()
	s.histories = append(s.histories, append([]models.Message(nil), state.Messages...))
	s.mu.Unlock()

	details := models.UserDetails{Details: models.GameEvent{GameName: "football"}}
	reply := "Which city and date?"
	if strings.Contains(state.UserInput, "Mumbai") {
		details = models.UserDetails{
			Details: models.GameEvent{
				Common: models.Common{
					Location:  "Mumbai",
					StartDate: time.Date(2025, 7, 6, 0, 0, 0, 0, time.UTC),
					Origin:    "Pune",
				},
				GameName: "football",
			},
			AllDetailsGiven: true,
		}
		reply = "Looking for football events in Mumbai."
	}
	return models.Update{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: state.UserInput},
			{Role: models.RoleAssistant, Content: reply},
		},
		UserDetails: &details,
	}, nil
}

func (s *steps) counted(name string, fn StepFunc) StepFunc {
	counter, _ := s.calls.LoadOrStore(name, &atomic.Int32{})
	return func(ctx context.Context, state *models.ConversationState) (models.Update, error) {
		counter.(*atomic.Int32).Add(1)
		return fn(ctx, state)
	}
}

func (s *steps) count(name string) int {
	counter, ok := s.calls.Load(name)
	if !ok {
		return 0
	}
	return int(counter.(*atomic.Int32).Load())
}

func (s *steps) planner() PlannerSteps {
	return PlannerSteps{
		Classify: s.counted(NodeClassify, s.classify),
		Gate: &Interrupt{
			Prompt: func(state *models.ConversationState) (string, []string) {
				return state.LastAssistantMessage(), state.UserDetails.Missing()
			},
			Resume: func(_ context.Context, _ *models.ConversationState, input string) (models.Update, error) {
				if strings.TrimSpace(input) == "" {
					return models.Update{}, errors.New("empty answer")
				}
				return models.Update{UserInput: &input}, nil
			},
		},
		SearchVenue:     s.counted(NodeSearchVenue, s.venue),
		SearchEvent:     s.counted(NodeSearchEvent, s.event),
		SearchTransport: s.counted(NodeSearchTransport, s.transport),
		SearchStay:      s.counted(NodeSearchStay, s.stay),
		Synthesize:      s.counted(NodeSynthesize, s.synthesize),
		TransportFallback: func(*models.ConversationState) models.Update {
			return models.Update{TransportOutput: &models.TransportOutput{Status: models.BranchNotAvailable, Summary: models.TransportNotAvailable}}
		},
		StayFallback: func(*models.ConversationState) models.Update {
			return models.Update{StayOutput: &models.StayOutput{Status: models.BranchNotAvailable, Summary: models.StayNotAvailable}}
		},
		ClassifierAttempts: 3,
		SearchAttempts:     2,
	}
}

func (s *steps) joinedState() *models.ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func newTestEngine(t *testing.T, s *steps, store memory.Store, observer Observer) (*Engine, *memory.Manager) {
	t.Helper()
	graph, err := NewPlannerGraph(s.planner())
	require.NoError(t, err)
	if store == nil {
		store = memory.NewInMemoryStore()
	}
	sessions := memory.NewManager(store, time.Hour, 24*time.Hour, zap.NewNop())
	return NewEngine(graph, sessions, observer, testRetry, zap.NewNop()), sessions
}

func turn(sessionID, message, token string) *models.TurnRequest {
	return &models.TurnRequest{SessionID: sessionID, UserID: "user-1", UserMessage: message, ResumeToken: token}
}

func TestEngineSuspendAndResume(t *testing.T) {
	s := fakeSteps()
	engine, sessions := newTestEngine(t, s, nil, nil)
	ctx := context.Background()

	first := engine.Handle(ctx, turn("s1", "any football events?", ""))
	require.Equal(t, models.StatusAwaitingInput, first.Status)
	assert.Equal(t, "Which city and date?", first.UserMessage)
	assert.Equal(t, []string{"location", "start_date"}, first.Missing)
	require.NotEmpty(t, first.ResumeToken)
	assert.Nil(t, first.ErrorCode)

	checkpoint, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, checkpoint.Suspended())
	assert.Equal(t, NodeAwaitInput, checkpoint.PendingNode)
	assert.Equal(t, first.ResumeToken, checkpoint.ResumeToken)
	assert.Equal(t, "user-1", checkpoint.UserID)

	second := engine.Handle(ctx, turn("s1", "Mumbai, July 6th", first.ResumeToken))
	require.Equal(t, models.StatusCompleted, second.Status, "error: %v", second.ErrorMessage)
	assert.Empty(t, second.ResumeToken)
	require.Len(t, second.Plans, 1)
	require.Len(t, second.Calendar, 1)
	assert.Equal(t, "City Cup by train", second.Plans[0].Title)

	// the classifier saw the first exchange on the second turn
	require.Len(t, s.histories, 2)
	assert.Empty(t, s.histories[0])
	require.Len(t, s.histories[1], 2)
	assert.Equal(t, "any football events?", s.histories[1][0].Content)

	checkpoint, err = sessions.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, checkpoint.Status)
	assert.Equal(t, 2, checkpoint.State.Turn)
	assert.Equal(t, 2, checkpoint.Metadata.Turns)
	assert.Len(t, checkpoint.State.Messages, 5)
	assert.True(t, checkpoint.State.DetailsConfirmed)
	assert.Empty(t, checkpoint.ResumeToken)
}

func TestEngineResumeWithoutToken(t *testing.T) {
	s := fakeSteps()
	engine, _ := newTestEngine(t, s, nil, nil)
	ctx := context.Background()

	first := engine.Handle(ctx, turn("s1", "football please", ""))
	require.Equal(t, models.StatusAwaitingInput, first.Status)

	second := engine.Handle(ctx, turn("s1", "still no city", ""))
	require.Equal(t, models.StatusAwaitingInput, second.Status)
	assert.NotEqual(t, first.ResumeToken, second.ResumeToken)
	assert.Equal(t, 2, s.count(NodeClassify))
}

func TestEngineRejectsStaleResumeToken(t *testing.T) {
	s := fakeSteps()
	engine, sessions := newTestEngine(t, s, nil, nil)
	ctx := context.Background()

	first := engine.Handle(ctx, turn("s1", "football please", ""))
	require.Equal(t, models.StatusAwaitingInput, first.Status)
	before, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)

	stale := engine.Handle(ctx, turn("s1", "Mumbai tomorrow", "not-the-token"))
	assert.Equal(t, models.StatusAwaitingInput, stale.Status)
	require.NotNil(t, stale.ErrorCode)
	assert.Equal(t, models.ErrorStaleResume, *stale.ErrorCode)
	assert.Empty(t, stale.ResumeToken)
	assert.Equal(t, "Which city and date?", stale.UserMessage)
	assert.Equal(t, 1, s.count(NodeClassify))

	after, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before.ResumeToken, after.ResumeToken)
	assert.Equal(t, before.State.Turn, after.State.Turn)
	assert.Equal(t, before.State.Messages, after.State.Messages)

	ok := engine.Handle(ctx, turn("s1", "Mumbai tomorrow", first.ResumeToken))
	assert.Equal(t, models.StatusCompleted, ok.Status)
}

func TestEngineStaleResumeRefreshesSessionTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := memory.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	engine, _ := newTestEngine(t, fakeSteps(), store, nil)
	ctx := context.Background()

	first := engine.Handle(ctx, turn("s1", "football please", ""))
	require.Equal(t, models.StatusAwaitingInput, first.Status)

	mr.FastForward(50 * time.Minute)
	stale := engine.Handle(ctx, turn("s1", "Mumbai tomorrow", "not-the-token"))
	require.NotNil(t, stale.ErrorCode)
	assert.Equal(t, models.ErrorStaleResume, *stale.ErrorCode)
	assert.Equal(t, time.Hour, mr.TTL("planbuddy:session:s1"))
}

// interleavedStore lets another replica run a whole turn between this
// replica's load and its first save
type interleavedStore struct {
	memory.Store
	once    sync.Once
	between func()
}

func (s *interleavedStore) Load(ctx context.Context, sessionID string) (*memory.Checkpoint, error) {
	checkpoint, err := s.Store.Load(ctx, sessionID)
	s.once.Do(s.between)
	return checkpoint, err
}

func TestEngineConcurrentResumeAcrossReplicas(t *testing.T) {
	s := fakeSteps()
	shared := memory.NewInMemoryStore()
	replicaA, sessions := newTestEngine(t, s, shared, nil)
	ctx := context.Background()

	first := replicaA.Handle(ctx, turn("s1", "any football events?", ""))
	require.Equal(t, models.StatusAwaitingInput, first.Status)

	var fromA *models.TurnResponse
	racing := &interleavedStore{Store: shared, between: func() {
		fromA = replicaA.Handle(ctx, turn("s1", "still thinking", first.ResumeToken))
	}}
	replicaB, _ := newTestEngine(t, s, racing, nil)

	fromB := replicaB.Handle(ctx, turn("s1", "Mumbai on Sunday", first.ResumeToken))

	require.NotNil(t, fromA)
	assert.Equal(t, models.StatusAwaitingInput, fromA.Status)
	assert.Nil(t, fromA.ErrorCode)

	assert.Equal(t, models.StatusAwaitingInput, fromB.Status)
	require.NotNil(t, fromB.ErrorCode)
	assert.Equal(t, models.ErrorStaleResume, *fromB.ErrorCode)
	assert.Equal(t, "Which city and date?", fromB.UserMessage)
	assert.Empty(t, fromB.ResumeToken)

	checkpoint, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, checkpoint.State.Messages, 4)
	assert.Equal(t, fromA.ResumeToken, checkpoint.ResumeToken)

	// the rejected message can be sent again and nothing is lost
	retried := replicaB.Handle(ctx, turn("s1", "Mumbai on Sunday", fromA.ResumeToken))
	require.Equal(t, models.StatusCompleted, retried.Status, "error: %v", retried.ErrorMessage)

	checkpoint, err = sessions.Load(ctx, "s1")
	require.NoError(t, err)
	var utterances []string
	for _, msg := range checkpoint.State.Messages {
		if msg.Role == models.RoleUser {
			utterances = append(utterances, msg.Content)
		}
	}
	assert.Equal(t, []string{"any football events?", "still thinking", "Mumbai on Sunday"}, utterances)
	assert.Equal(t, 3, checkpoint.State.Turn)
}

func TestEngineRejectsTurnWhileAnotherRuns(t *testing.T) {
	s := fakeSteps()
	engine, sessions := newTestEngine(t, s, nil, nil)
	engine.WithRecoveryAfter(time.Hour)
	ctx := context.Background()

	state := models.NewConversationState("s1")
	state.UserInput = "football in Mumbai"
	state.Turn = 1
	require.NoError(t, sessions.Save(ctx, &memory.Checkpoint{
		SessionID:   "s1",
		State:       state,
		Status:      memory.StatusRunning,
		PendingNode: NodeSearchEvent,
	}))

	resp := engine.Handle(ctx, turn("s1", "football in Mumbai on Sunday", ""))
	assert.Equal(t, models.StatusFailed, resp.Status)
	require.NotNil(t, resp.ErrorCode)
	assert.Equal(t, models.ErrorStaleResume, *resp.ErrorCode)
	assert.Equal(t, prompts.BusyMessage, resp.UserMessage)
	assert.Zero(t, s.count(NodeClassify))

	checkpoint, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, memory.StatusRunning, checkpoint.Status)
	assert.Equal(t, 1, checkpoint.State.Turn)
}

func TestEngineReset(t *testing.T) {
	s := fakeSteps()
	engine, sessions := newTestEngine(t, s, nil, nil)
	ctx := context.Background()

	first := engine.Handle(ctx, turn("s1", "football please", ""))
	require.Equal(t, models.StatusAwaitingInput, first.Status)

	require.NoError(t, engine.Reset(ctx, "s1"))
	_, err := sessions.Load(ctx, "s1")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	again := engine.Handle(ctx, turn("s1", "football in Mumbai", first.ResumeToken))
	assert.Equal(t, models.StatusCompleted, again.Status)

	checkpoint, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoint.State.Turn)
}

func TestEngineFanOutRunsBranchesConcurrently(t *testing.T) {
	s := fakeSteps()

	var arrived sync.WaitGroup
	arrived.Add(2)
	barrier := make(chan struct{})
	go func() {
		arrived.Wait()
		close(barrier)
	}()
	wait := func(ctx context.Context) error {
		arrived.Done()
		select {
		case <-barrier:
			return nil
		case <-time.After(2 * time.Second):
			return llm.NewFatalError(errors.New("branches did not overlap"))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var stayRoomType atomic.Value
	s.transport = func(ctx context.Context, state *models.ConversationState) (models.Update, error) {
		// writes to a private snapshot must not leak into the sibling branch
		state.Preferences.Stay.RoomType = "changed-by-transport"
		if err := wait(ctx); err != nil {
			return models.Update{}, err
		}
		return models.Update{TransportOutput: &models.TransportOutput{Status: models.BranchResults}}, nil
	}
	s.stay = func(ctx context.Context, state *models.ConversationState) (models.Update, error) {
		if err := wait(ctx); err != nil {
			return models.Update{}, err
		}
		stayRoomType.Store(state.Preferences.Stay.RoomType)
		return models.Update{StayOutput: &models.StayOutput{Status: models.BranchResults}}, nil
	}

	engine, _ := newTestEngine(t, s, nil, nil)
	req := turn("s1", "football in Mumbai", "")
	req.Preferences = &models.Preferences{Stay: models.StayPreferences{RoomType: "hotel"}}
	resp := engine.Handle(context.Background(), req)
	require.Equal(t, models.StatusCompleted, resp.Status, "error: %v", resp.ErrorMessage)

	assert.Equal(t, "hotel", stayRoomType.Load())
	joined := s.joinedState()
	require.NotNil(t, joined)
	require.NotNil(t, joined.TransportOutput)
	require.NotNil(t, joined.StayOutput)
	assert.Equal(t, models.BranchResults, joined.TransportOutput.Status)
	assert.Equal(t, models.BranchResults, joined.StayOutput.Status)
	assert.Equal(t, "hotel", joined.Preferences.Stay.RoomType)
}

func TestEngineBranchFallback(t *testing.T) {
	s := fakeSteps()
	s.transport = func(context.Context, *models.ConversationState) (models.Update, error) {
		return models.Update{}, llm.NewTransientError(errors.New("tool server timeout"))
	}

	engine, _ := newTestEngine(t, s, nil, nil)
	resp := engine.Handle(context.Background(), turn("s1", "football in Mumbai", ""))
	require.Equal(t, models.StatusCompleted, resp.Status)

	assert.Equal(t, 2, s.count(NodeSearchTransport))
	joined := s.joinedState()
	require.NotNil(t, joined)
	assert.Equal(t, models.BranchNotAvailable, joined.TransportOutput.Status)
	assert.Equal(t, models.TransportNotAvailable, joined.TransportOutput.Describe())
	assert.Equal(t, models.NoStayNeeded, joined.StayOutput.Describe())
}

func TestEngineFatalSearchAborts(t *testing.T) {
	s := fakeSteps()
	s.event = func(context.Context, *models.ConversationState) (models.Update, error) {
		return models.Update{}, llm.NewFatalError(errors.New("no tool collection for book_game_event"))
	}

	engine, sessions := newTestEngine(t, s, nil, nil)
	resp := engine.Handle(context.Background(), turn("s1", "football in Mumbai", ""))

	assert.Equal(t, models.StatusFailed, resp.Status)
	require.NotNil(t, resp.ErrorCode)
	assert.Equal(t, models.ErrorConfig, *resp.ErrorCode)
	assert.Equal(t, prompts.ApologyMessage, resp.UserMessage)
	assert.Equal(t, 1, s.count(NodeSearchEvent))
	assert.Zero(t, s.count(NodeSynthesize))

	checkpoint, err := sessions.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, checkpoint.Status)
	assert.Equal(t, NodeSearchEvent, checkpoint.PendingNode)
	assert.Equal(t, prompts.ApologyMessage, checkpoint.State.LastAssistantMessage())
}

func TestEngineSearchFailureReportsCode(t *testing.T) {
	s := fakeSteps()
	s.event = func(context.Context, *models.ConversationState) (models.Update, error) {
		return models.Update{}, llm.NewTransientError(errors.New("model overloaded"))
	}

	engine, _ := newTestEngine(t, s, nil, nil)
	resp := engine.Handle(context.Background(), turn("s1", "football in Mumbai", ""))

	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Equal(t, models.ErrorSearchFailed, *resp.ErrorCode)
	assert.Equal(t, 2, s.count(NodeSearchEvent))
}

func TestEngineClassifierRetriesThenFails(t *testing.T) {
	s := fakeSteps()
	s.classify = func(context.Context, *models.ConversationState) (models.Update, error) {
		return models.Update{}, llm.NewTransientError(errors.New("invalid model output"))
	}

	engine, sessions := newTestEngine(t, s, nil, nil)
	resp := engine.Handle(context.Background(), turn("s1", "asdf", ""))

	assert.Equal(t, models.StatusFailed, resp.Status)
	require.NotNil(t, resp.ErrorCode)
	assert.Equal(t, models.ErrorParseError, *resp.ErrorCode)
	assert.Equal(t, prompts.FallbackMessage, resp.UserMessage)
	assert.Equal(t, 3, s.count(NodeClassify))

	checkpoint, err := sessions.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, checkpoint.State.Messages, 2)
	assert.Equal(t, models.RoleUser, checkpoint.State.Messages[0].Role)
	assert.Equal(t, "asdf", checkpoint.State.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, checkpoint.State.Messages[1].Role)
	assert.Equal(t, prompts.FallbackMessage, checkpoint.State.Messages[1].Content)
}

func TestEngineClassifierRecoversOnRetry(t *testing.T) {
	s := fakeSteps()
	var attempts atomic.Int32
	s.classify = func(ctx context.Context, state *models.ConversationState) (models.Update, error) {
		if attempts.Add(1) == 1 {
			return models.Update{}, llm.NewTransientError(errors.New("invalid model output"))
		}
		return s.scriptedClassify(ctx, state)
	}

	engine, _ := newTestEngine(t, s, nil, nil)
	resp := engine.Handle(context.Background(), turn("s1", "football in Mumbai", ""))
	assert.Equal(t, models.StatusCompleted, resp.Status)
	assert.Equal(t, 2, s.count(NodeClassify))
}

func TestEngineStartsFreshAfterCompletion(t *testing.T) {
	s := fakeSteps()
	engine, sessions := newTestEngine(t, s, nil, nil)
	ctx := context.Background()

	done := engine.Handle(ctx, turn("s1", "football in Mumbai", ""))
	require.Equal(t, models.StatusCompleted, done.Status)

	next := engine.Handle(ctx, turn("s1", "now a tech conference", ""))
	assert.Equal(t, models.StatusAwaitingInput, next.Status)

	checkpoint, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoint.State.Turn)
	assert.Nil(t, checkpoint.State.FinalOutput)
	assert.Len(t, checkpoint.State.Messages, 2)
}

func TestEngineRecoversRunningCheckpoint(t *testing.T) {
	s := fakeSteps()
	store := memory.NewInMemoryStore()
	engine, sessions := newTestEngine(t, s, store, nil)
	ctx := context.Background()

	state := models.NewConversationState("s1")
	state.UserInput = "football"
	state.Turn = 1
	require.NoError(t, sessions.Save(ctx, &memory.Checkpoint{
		SessionID:   "s1",
		State:       state,
		Status:      memory.StatusRunning,
		PendingNode: NodeSearchEvent,
	}))

	resp := engine.Handle(ctx, turn("s1", "football in Mumbai", ""))
	assert.Equal(t, models.StatusCompleted, resp.Status)
	assert.Equal(t, 1, s.count(NodeClassify))

	checkpoint, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, checkpoint.State.Turn)
}

func TestEngineProgressEvents(t *testing.T) {
	s := fakeSteps()
	var mu sync.Mutex
	var events []models.ProgressEvent
	observer := ObserverFunc(func(_ context.Context, event models.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	engine, _ := newTestEngine(t, s, nil, observer)
	resp := engine.Handle(context.Background(), turn("s1", "football in Mumbai", ""))
	require.Equal(t, models.StatusCompleted, resp.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, models.ProgressEvent{
		SessionID: "s1",
		Step:      NodeSearchEvent,
		Message:   "Searching for sports events...",
	}, events[0])
}

func TestEngineInvalidRequest(t *testing.T) {
	engine, _ := newTestEngine(t, fakeSteps(), nil, nil)

	resp := engine.Handle(context.Background(), turn("s1", "   ", ""))
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Equal(t, models.ErrorInvalidRequest, *resp.ErrorCode)

	resp = engine.Handle(context.Background(), turn("", "hello", ""))
	assert.Equal(t, models.ErrorInvalidRequest, *resp.ErrorCode)
}

type failingStore struct {
	*memory.InMemoryStore
	loadErr error
	saveErr error
}

func (f *failingStore) Load(ctx context.Context, sessionID string) (*memory.Checkpoint, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.InMemoryStore.Load(ctx, sessionID)
}

func (f *failingStore) Save(ctx context.Context, checkpoint *memory.Checkpoint, ttl time.Duration) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.InMemoryStore.Save(ctx, checkpoint, ttl)
}

func TestEngineStorageFailures(t *testing.T) {
	store := &failingStore{InMemoryStore: memory.NewInMemoryStore(), loadErr: errors.New("connection refused")}
	engine, _ := newTestEngine(t, fakeSteps(), store, nil)

	resp := engine.Handle(context.Background(), turn("s1", "football in Mumbai", ""))
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Equal(t, models.ErrorStorage, *resp.ErrorCode)

	store.loadErr = nil
	store.saveErr = errors.New("OOM command not allowed")
	resp = engine.Handle(context.Background(), turn("s1", "football in Mumbai", ""))
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Equal(t, models.ErrorStorage, *resp.ErrorCode)
}

func TestEngineSerializesTurnsPerSession(t *testing.T) {
	s := fakeSteps()
	engine, sessions := newTestEngine(t, s, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	responses := make([]*models.TurnResponse, 2)
	for i := range responses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = engine.Handle(ctx, turn("s1", "football please", ""))
		}()
	}
	wg.Wait()

	for _, resp := range responses {
		assert.Equal(t, models.StatusAwaitingInput, resp.Status)
	}
	checkpoint, err := sessions.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, checkpoint.State.Turn)
	assert.Len(t, checkpoint.State.Messages, 4)
}
