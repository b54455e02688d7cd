package escalate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"incidents/internal/clock"
	"incidents/internal/config"
	"incidents/internal/domain"
	"incidents/internal/keylock"
	"incidents/internal/notify"
	"incidents/internal/oncall"
	"incidents/internal/sched"
	"incidents/internal/state"
)

var escalateStart = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

// webhookRecorder collects delivered notifications by escalation level.
type webhookRecorder struct {
	mu     sync.Mutex
	levels []int
}

func (r *webhookRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Level int `json:"level"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.levels = append(r.levels, payload.Level)
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *webhookRecorder) Levels() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.levels...)
}

type escalateFixture struct {
	manager   *Manager
	store     *state.MemoryStore
	scheduler *sched.Manual
	clk       *clock.Manual
	recorder  *webhookRecorder
}

func newEscalateFixture(t *testing.T, policies []config.EscalationPolicy) *escalateFixture {
	t.Helper()

	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder)
	t.Cleanup(server.Close)

	notifyCfg := config.NotifyConfig{
		Webhook: config.WebhookNotifier{
			Enabled:   true,
			URL:       server.URL,
			TimeoutMS: 2000,
			Template:  "incident {{ .Incident.ID }} level {{ .Level }}",
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := notify.NewDispatcher(notifyCfg, logger)

	clk := clock.NewManual(escalateStart)
	scheduler := sched.NewManual()
	store := state.NewMemoryStore()
	locks := keylock.New()
	resolver := oncall.NewResolver(config.OnCallConfig{
		Contact: []config.ContactConfig{
			{ID: "c-lena", Name: "Lena Ortiz", Role: "technician"},
			{ID: "c-petra", Name: "Petra Vogel", Role: "plant_manager"},
		},
	}, time.UTC, clk)

	cfg := config.EscalationConfig{
		UpdateRetryMax:       3,
		UpdateRetryBackoffMS: 1,
		Policy:               policies,
	}
	return &escalateFixture{
		manager:   NewManager(cfg, scheduler, clk, store, locks, resolver, dispatcher, logger),
		store:     store,
		scheduler: scheduler,
		clk:       clk,
		recorder:  recorder,
	}
}

func twoLevelPolicy() []config.EscalationPolicy {
	return []config.EscalationPolicy{{
		Name: "default",
		Level: []config.EscalationLevel{
			{Level: 1, DelayMinutes: 0, ContactRoles: []string{"technician"}, Channels: []string{"webhook"}},
			{Level: 2, DelayMinutes: 5, ContactRoles: []string{"plant_manager"}, Channels: []string{"webhook"}},
		},
	}}
}

func escalateIncident(t *testing.T, fixture *escalateFixture, id string) (domain.Incident, uint64) {
	t.Helper()
	alert := domain.Alert{
		ID:          "a-" + id,
		EquipmentID: "press-07",
		Type:        "TEMP_HIGH",
		Severity:    domain.SeverityHigh,
		Message:     "temperature above threshold",
		DT:          escalateStart.UnixMilli(),
	}
	incident := domain.NewIncident(id, "equip:press-07", alert, escalateStart)
	revision, err := fixture.store.PutIncident(context.Background(), incident)
	if err != nil {
		t.Fatalf("put incident: %v", err)
	}
	return incident, revision
}

func (f *escalateFixture) advance(d time.Duration) {
	f.clk.Advance(d)
	f.scheduler.Advance(d)
}

func TestEscalationDispatchesLevelsOnSchedule(t *testing.T) {
	t.Parallel()

	fixture := newEscalateFixture(t, twoLevelPolicy())
	incident, revision := escalateIncident(t, fixture, "inc-1")
	ctx := context.Background()

	if err := fixture.manager.StartEscalation(ctx, incident, revision); err != nil {
		t.Fatalf("start escalation: %v", err)
	}

	// Level 1 has no delay and goes out immediately.
	if levels := fixture.recorder.Levels(); len(levels) != 1 || levels[0] != 1 {
		t.Fatalf("expected immediate level-1 delivery, got %v", levels)
	}
	if fixture.manager.PendingTimers("inc-1") != 1 {
		t.Fatalf("expected one pending level-2 timer")
	}

	// Just before the level-2 delay nothing more is sent.
	fixture.advance(4 * time.Minute)
	if levels := fixture.recorder.Levels(); len(levels) != 1 {
		t.Fatalf("level 2 fired early: %v", levels)
	}

	fixture.advance(time.Minute)
	if levels := fixture.recorder.Levels(); len(levels) != 2 || levels[1] != 2 {
		t.Fatalf("expected level-2 delivery at five minutes, got %v", levels)
	}

	stored, _, err := fixture.store.GetIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if stored.Status != domain.IncidentStatusEscalated || stored.EscalationLevel != 2 {
		t.Fatalf("unexpected stored state %s level %d", stored.Status, stored.EscalationLevel)
	}
	if len(stored.Notifications) != 2 {
		t.Fatalf("expected 2 notification records, got %d", len(stored.Notifications))
	}
	if stored.Notifications[0].DeliveredAt == nil || stored.Notifications[0].Error != "" {
		t.Fatalf("unexpected first record %+v", stored.Notifications[0])
	}
	if fixture.manager.PendingTimers("inc-1") != 0 {
		t.Fatalf("expected no pending timers after the last level")
	}
}

func TestAcknowledgeCancelsEscalation(t *testing.T) {
	t.Parallel()

	fixture := newEscalateFixture(t, twoLevelPolicy())
	incident, revision := escalateIncident(t, fixture, "inc-1")
	ctx := context.Background()

	if err := fixture.manager.StartEscalation(ctx, incident, revision); err != nil {
		t.Fatalf("start escalation: %v", err)
	}
	if err := fixture.manager.Acknowledge(ctx, "inc-1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if fixture.manager.PendingTimers("inc-1") != 0 {
		t.Fatalf("acknowledge must cancel pending timers")
	}

	fixture.advance(time.Hour)
	if levels := fixture.recorder.Levels(); len(levels) != 1 {
		t.Fatalf("no level may fire after acknowledge, got %v", levels)
	}

	stored, _, err := fixture.store.GetIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if stored.Status != domain.IncidentStatusAcknowledged || stored.AcknowledgedAt == nil {
		t.Fatalf("unexpected stored state %+v", stored)
	}

	// Acknowledging twice is a no-op, not an error.
	if err := fixture.manager.Acknowledge(ctx, "inc-1"); err != nil {
		t.Fatalf("repeated acknowledge: %v", err)
	}
}

func TestResolveCancelsEscalationAndLateTimerIsNoop(t *testing.T) {
	t.Parallel()

	fixture := newEscalateFixture(t, twoLevelPolicy())
	incident, revision := escalateIncident(t, fixture, "inc-1")
	ctx := context.Background()

	if err := fixture.manager.StartEscalation(ctx, incident, revision); err != nil {
		t.Fatalf("start escalation: %v", err)
	}
	if err := fixture.manager.Resolve(ctx, "inc-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// A timer surviving cancellation re-checks status and does nothing.
	fixture.manager.fireLevel("inc-1", "equip:press-07", twoLevelPolicy()[0], 1, true)
	if levels := fixture.recorder.Levels(); len(levels) != 1 {
		t.Fatalf("late timer must be a no-op on a resolved incident, got %v", levels)
	}

	stored, _, err := fixture.store.GetIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if stored.Status != domain.IncidentStatusResolved || stored.ResolvedAt == nil {
		t.Fatalf("unexpected stored state %+v", stored)
	}

	if err := fixture.manager.Resolve(ctx, "inc-1"); err != nil {
		t.Fatalf("repeated resolve: %v", err)
	}
	if err := fixture.manager.Acknowledge(ctx, "inc-1"); err == nil {
		t.Fatalf("acknowledge after resolve must fail")
	}
}

func TestRepeatingLevelStopsOnResolve(t *testing.T) {
	t.Parallel()

	policies := []config.EscalationPolicy{{
		Name: "nagging",
		Level: []config.EscalationLevel{
			{
				Level:                 1,
				DelayMinutes:          0,
				ContactRoles:          []string{"technician"},
				Channels:              []string{"webhook"},
				Repeat:                true,
				RepeatIntervalMinutes: 5,
			},
		},
	}}
	fixture := newEscalateFixture(t, policies)
	incident, revision := escalateIncident(t, fixture, "inc-1")
	ctx := context.Background()

	if err := fixture.manager.StartEscalation(ctx, incident, revision); err != nil {
		t.Fatalf("start escalation: %v", err)
	}
	fixture.advance(5 * time.Minute)
	fixture.advance(5 * time.Minute)
	if levels := fixture.recorder.Levels(); len(levels) != 3 {
		t.Fatalf("expected initial delivery plus two repeats, got %v", levels)
	}

	if err := fixture.manager.Resolve(ctx, "inc-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	fixture.advance(time.Hour)
	if levels := fixture.recorder.Levels(); len(levels) != 3 {
		t.Fatalf("repeats must stop after resolve, got %v", levels)
	}
}

func TestNoMatchingPolicyLeavesIncidentOpen(t *testing.T) {
	t.Parallel()

	policies := []config.EscalationPolicy{{
		Name: "critical-only",
		Conditions: config.PolicyConditions{
			Severities: []string{"critical"},
		},
		Level: []config.EscalationLevel{
			{Level: 1, ContactRoles: []string{"technician"}, Channels: []string{"webhook"}},
		},
	}}
	fixture := newEscalateFixture(t, policies)
	incident, revision := escalateIncident(t, fixture, "inc-1")
	ctx := context.Background()

	if err := fixture.manager.StartEscalation(ctx, incident, revision); err != nil {
		t.Fatalf("start escalation: %v", err)
	}
	if levels := fixture.recorder.Levels(); len(levels) != 0 {
		t.Fatalf("no notifications expected without a matching policy, got %v", levels)
	}

	stored, _, err := fixture.store.GetIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if stored.Status != domain.IncidentStatusOpen {
		t.Fatalf("incident must stay open, got %s", stored.Status)
	}
}

func TestPolicySelectionFirstMatchWins(t *testing.T) {
	t.Parallel()

	policies := []config.EscalationPolicy{
		{
			Name:       "press-line",
			Conditions: config.PolicyConditions{EquipmentIDs: []string{"press-07"}},
			Level: []config.EscalationLevel{
				{Level: 1, ContactRoles: []string{"plant_manager"}, Channels: []string{"webhook"}},
			},
		},
		{
			Name: "default",
			Level: []config.EscalationLevel{
				{Level: 1, ContactRoles: []string{"technician"}, Channels: []string{"webhook"}},
			},
		},
	}
	fixture := newEscalateFixture(t, policies)
	incident, revision := escalateIncident(t, fixture, "inc-1")

	if err := fixture.manager.StartEscalation(context.Background(), incident, revision); err != nil {
		t.Fatalf("start escalation: %v", err)
	}

	stored, _, err := fixture.store.GetIncident(context.Background(), "inc-1")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if len(stored.Notifications) != 1 || stored.Notifications[0].Recipient != "c-petra" {
		t.Fatalf("expected the first matching policy's contact, got %+v", stored.Notifications)
	}
}

func TestFailedDeliveryIsRecordedAndDispatchContinues(t *testing.T) {
	t.Parallel()

	policies := []config.EscalationPolicy{{
		Name: "default",
		Level: []config.EscalationLevel{
			{Level: 1, ContactRoles: nil, Channels: []string{"sms", "webhook"}},
		},
	}}
	fixture := newEscalateFixture(t, policies)
	incident, revision := escalateIncident(t, fixture, "inc-1")
	ctx := context.Background()

	// The contacts carry no phone numbers, so the sms channel fails for each
	// contact while the webhook channel still goes out.
	if err := fixture.manager.StartEscalation(ctx, incident, revision); err != nil {
		t.Fatalf("start escalation: %v", err)
	}

	stored, _, err := fixture.store.GetIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if len(stored.Notifications) != 4 {
		t.Fatalf("expected 4 notification records, got %d", len(stored.Notifications))
	}
	var failed, delivered int
	for _, record := range stored.Notifications {
		switch {
		case record.Error != "":
			failed++
		case record.DeliveredAt != nil:
			delivered++
		}
	}
	if failed != 2 || delivered != 2 {
		t.Fatalf("expected 2 failed and 2 delivered records, got %d/%d", failed, delivered)
	}
	if stored.Status != domain.IncidentStatusEscalated {
		t.Fatalf("delivery failures must not block escalation state, got %s", stored.Status)
	}
}
