package classifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sharewatch/internal/models"
	"sharewatch/internal/roster"
	"sharewatch/internal/tracker"
)

type fakeFetcher struct {
	entries []models.RosterEntry
}

func (f *fakeFetcher) FetchPage(_ context.Context, start, _ int) ([]models.RosterEntry, error) {
	if start > 0 {
		return nil, nil
	}
	return f.entries, nil
}

type fakeSink struct {
	persisted []string
	cleared   int
	events    []models.DomainEvent
}

func (s *fakeSink) Persist(email string, _ time.Time, _ string) { s.persisted = append(s.persisted, email) }
func (s *fakeSink) Delete(string)                                {}
func (s *fakeSink) Clear()                                       { s.cleared++ }
func (s *fakeSink) Notify(event models.DomainEvent)               { s.events = append(s.events, event) }

func newFixture(t *testing.T, limit int) (*tracker.Tracker, *Classifier, *fakeSink) {
	t.Helper()
	tr := tracker.New(false, 200, time.Hour)
	rc := roster.New(&fakeFetcher{entries: []models.RosterEntry{{Email: "alice@x", DeviceLimit: limit}}}, time.Minute, 10, nil)
	rc.SyncNow(context.Background())

	sink := &fakeSink{}
	cls := New(tr, rc, sink, 2*time.Second, 30*time.Second, 300*time.Second, 5)
	return tr, cls, sink
}

func recordIPs(tr *tracker.Tracker, email string, ips []string, at time.Time) {
	for _, ip := range ips {
		tr.Record(&models.Event{Email: email, SourceIP: ip}, ip, at)
	}
}

func TestBenignStaysClean(t *testing.T) {
	tr, cls, _ := newFixture(t, 2)
	base := time.Now()

	recordIPs(tr, "alice@x", []string{"10.0.0.1"}, base)
	recordIPs(tr, "alice@x", []string{"10.0.0.2"}, base.Add(time.Second))
	cls.Tick(base.Add(time.Second))

	require.Equal(t, models.StageClean, tr.Stage("alice@x"))
}

func TestTransientOverflowDoesNotEscalate(t *testing.T) {
	tr, cls, sink := newFixture(t, 2)
	base := time.Now()

	recordIPs(tr, "alice@x", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}, base)
	cls.Tick(base)
	require.Equal(t, models.StageOverLimit, tr.Stage("alice@x"))

	// none of the four IPs remains inside the 2s concurrent window four seconds later
	cls.Tick(base.Add(4 * time.Second))
	require.Equal(t, models.StageClean, tr.Stage("alice@x"))
	require.Empty(t, sink.persisted)
}

func TestPromotionToViolatorAfterFiveTriggers(t *testing.T) {
	tr, cls, sink := newFixture(t, 2)
	base := time.Now()

	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		recordIPs(tr, "alice@x", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, now)
		cls.Tick(now)
	}

	require.Equal(t, models.StageViolator, tr.Stage("alice@x"))
	require.Len(t, sink.events, 1)
	require.Equal(t, models.EventViolatorOnset, sink.events[0].Type)
}

func TestPromotionToBanlistAfterThreshold(t *testing.T) {
	tr, cls, sink := newFixture(t, 2)
	base := time.Now()

	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		recordIPs(tr, "alice@x", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, now)
		cls.Tick(now)
	}
	require.Equal(t, models.StageViolator, tr.Stage("alice@x"))

	// the 5th trigger (i=4) is the tick that actually sets violator_since
	violatorSince := base.Add(4 * time.Second)
	keepOverLimit := func(at time.Time) {
		recordIPs(tr, "alice@x", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, at)
		cls.Tick(at)
	}
	keepOverLimit(violatorSince.Add(150 * time.Second))
	keepOverLimit(violatorSince.Add(300 * time.Second))

	require.Equal(t, models.StageBanlisted, tr.Stage("alice@x"))
	require.Len(t, sink.persisted, 1)

	// re-running the tick produces no duplicate Persist calls
	keepOverLimit(violatorSince.Add(301 * time.Second))
	require.Len(t, sink.persisted, 1)
}

func TestZeroDeviceLimitNeverLeavesClean(t *testing.T) {
	tr, cls, _ := newFixture(t, 0)
	base := time.Now()

	recordIPs(tr, "alice@x", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}, base)
	cls.Tick(base)

	require.Equal(t, models.StageClean, tr.Stage("alice@x"))
}

func TestWhitelistedUserNeverLeavesClean(t *testing.T) {
	tr := tracker.New(false, 200, time.Hour)
	rc := roster.New(&fakeFetcher{entries: []models.RosterEntry{{Email: "alice@x", DeviceLimit: 2}}}, time.Minute, 10, map[string]bool{"alice@x": true})
	rc.SyncNow(context.Background())
	sink := &fakeSink{}
	cls := New(tr, rc, sink, 2*time.Second, 30*time.Second, 300*time.Second, 5)

	base := time.Now()
	recordIPs(tr, "alice@x", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, base)
	cls.Tick(base)

	require.Equal(t, models.StageClean, tr.Stage("alice@x"))
}

func TestUnknownUserTreatedAsUnlimited(t *testing.T) {
	tr := tracker.New(false, 200, time.Hour)
	rc := roster.New(&fakeFetcher{entries: nil}, time.Minute, 10, nil)
	rc.SyncNow(context.Background())
	sink := &fakeSink{}
	cls := New(tr, rc, sink, 2*time.Second, 30*time.Second, 300*time.Second, 5)

	base := time.Now()
	recordIPs(tr, "ghost@x", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, base)
	cls.Tick(base)

	require.Equal(t, models.StageClean, tr.Stage("ghost@x"))
}

func TestClearBanlistEmitsEventAndResetsStage(t *testing.T) {
	tr, cls, sink := newFixture(t, 2)
	base := time.Now()
	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		recordIPs(tr, "alice@x", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, now)
		cls.Tick(now)
	}
	recordIPs(tr, "alice@x", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, base.Add(305*time.Second))
	cls.Tick(base.Add(305 * time.Second))
	require.Equal(t, models.StageBanlisted, tr.Stage("alice@x"))

	cleared := cls.ClearBanlist(base.Add(400 * time.Second))
	require.Equal(t, []string{"alice@x"}, cleared)
	require.Equal(t, models.StageClean, tr.Stage("alice@x"))
	require.Equal(t, 1, sink.cleared)

	last := sink.events[len(sink.events)-1]
	require.Equal(t, models.EventBanlistCleared, last.Type)
}

func TestViolatorAccumulatesViolationIPsAndNodes(t *testing.T) {
	tr, cls, _ := newFixture(t, 2)
	base := time.Now()

	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
			tr.Record(&models.Event{Email: "alice@x", SourceIP: ip, NodeID: "node-" + ip}, ip, now)
		}
		cls.Tick(now)
	}

	require.Equal(t, models.StageViolator, tr.Stage("alice@x"))
	detail, ok := tr.Detail("alice@x")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, detail.ViolationIPs)
	require.ElementsMatch(t, []string{"node-10.0.0.1", "node-10.0.0.2", "node-10.0.0.3"}, detail.ViolationNodes)
}

func TestCleanExitClearsViolationIPsAndNodesWithTriggerState(t *testing.T) {
	tr, cls, _ := newFixture(t, 2)
	base := time.Now()

	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
			tr.Record(&models.Event{Email: "alice@x", SourceIP: ip, NodeID: "node-" + ip}, ip, now)
		}
		cls.Tick(now)
	}
	require.Equal(t, models.StageViolator, tr.Stage("alice@x"))
	detail, _ := tr.Detail("alice@x")
	require.NotEmpty(t, detail.ViolationIPs)
	require.NotEmpty(t, detail.ViolationNodes)

	// only 10.0.0.1 remains inside the 2s concurrent window four seconds later: clean exit.
	clearAt := base.Add(4 * time.Second).Add(4 * time.Second)
	tr.Record(&models.Event{Email: "alice@x", SourceIP: "10.0.0.1", NodeID: "node-10.0.0.1"}, "10.0.0.1", clearAt)
	cls.Tick(clearAt)

	require.Equal(t, models.StageClean, tr.Stage("alice@x"))
	detail, _ = tr.Detail("alice@x")
	require.Empty(t, detail.ViolationIPs, "violation_ips must clear together with trigger_times/violator_since on clean exit")
	require.Empty(t, detail.ViolationNodes, "violation_nodes must clear together with trigger_times/violator_since on clean exit")
}

func TestConcurrentWindowZeroNeverDivides(t *testing.T) {
	tr := tracker.New(false, 200, time.Hour)
	rc := roster.New(&fakeFetcher{entries: []models.RosterEntry{{Email: "alice@x", DeviceLimit: 1}}}, time.Minute, 10, nil)
	rc.SyncNow(context.Background())
	sink := &fakeSink{}
	cls := New(tr, rc, sink, 0, 30*time.Second, 300*time.Second, 5)

	now := time.Now()
	recordIPs(tr, "alice@x", []string{"10.0.0.1"}, now)
	require.NotPanics(t, func() { cls.Tick(now) })
}
