package engine_test

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/ledger"
	"raidline/internal/migrate"
	"raidline/internal/points"
	"raidline/internal/repo"
)

const community = "c1"

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return fixedNow }
	eng.Log = logger
	ctx := context.Background()
	if err := eng.ImportConfig(ctx, config.Default(community), "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}
	if _, err := eng.SetActorRoles(ctx, community, "org", []string{"organizer"}, "tester"); err != nil {
		t.Fatalf("seed organizer roles: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func expectReason(t *testing.T, err error, want domain.Reason) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	if got := domain.ReasonOf(err); got != want {
		t.Fatalf("expected reason %s, got %s (%v)", want, got, err)
	}
}

func (env testEnv) createRun(t *testing.T, id string) domain.Run {
	t.Helper()
	run, err := env.Engine.CreateRun(env.Ctx, engine.CreateRunOptions{
		ID:          id,
		CommunityID: community,
		OrganizerID: "org",
		ActivityKey: "vault",
		Party:       "party-1",
		Location:    "north gate",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (env testEnv) liveRun(t *testing.T, id string) domain.Run {
	t.Helper()
	env.createRun(t, id)
	run, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: id, ActorID: "org", Status: domain.RunLive})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return run
}

func (env testEnv) join(t *testing.T, runID string, actors ...string) {
	t.Helper()
	for _, a := range actors {
		if _, err := env.Engine.SetParticipation(env.Ctx, engine.ParticipationOptions{CommunityID: community, RunID: runID, ActorID: a, Join: true}); err != nil {
			t.Fatalf("join %s: %v", a, err)
		}
	}
}

func (env testEnv) leave(t *testing.T, runID, actor string) {
	t.Helper()
	if _, err := env.Engine.SetParticipation(env.Ctx, engine.ParticipationOptions{CommunityID: community, RunID: runID, ActorID: actor}); err != nil {
		t.Fatalf("leave %s: %v", actor, err)
	}
}

func (env testEnv) checkpoint(t *testing.T, runID string) engine.CheckpointResult {
	t.Helper()
	res, err := env.Engine.TriggerCheckpoint(env.Ctx, engine.CheckpointOptions{CommunityID: community, RunID: runID, ActorID: "org"})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	return res
}

func (env testEnv) end(t *testing.T, runID string) domain.Run {
	t.Helper()
	run, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: runID, ActorID: "org", Status: domain.RunEnded})
	if err != nil {
		t.Fatalf("end run: %v", err)
	}
	return run
}

func (env testEnv) countByActor(t *testing.T, action string) map[string]int {
	t.Helper()
	evts, err := env.Engine.LedgerEvents(env.Ctx, repo.LedgerFilters{CommunityID: community, ActionTypes: []string{action}}, 1000)
	if err != nil {
		t.Fatalf("ledger events: %v", err)
	}
	out := map[string]int{}
	for _, e := range evts {
		out[e.ActorID]++
	}
	return out
}

func sameCounts(got, want map[string]int) bool {
	if len(got) != len(want) {
		return false
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestRunStateMachine(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRun(env.Ctx, engine.CreateRunOptions{ID: "r1", CommunityID: community, OrganizerID: "org", ActivityKey: "vault"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "r1", ActorID: "org", Status: domain.RunLive})
	expectReason(t, err, domain.ReasonMissingPartyLocation)
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Fields["party"] == "" || ve.Fields["location"] == "" {
		t.Fatalf("expected field-level reasons, got %#v", err)
	}

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "r1", ActorID: "org", Status: domain.RunEnded})
	expectReason(t, err, domain.ReasonRunNotLive)

	party, location := "p", "l"
	if _, err := env.Engine.UpdateRunDetails(env.Ctx, engine.UpdateRunOptions{CommunityID: community, RunID: "r1", ActorID: "org", Party: &party, Location: &location}); err != nil {
		t.Fatalf("update details: %v", err)
	}
	run, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "r1", ActorID: "org", Status: domain.RunLive})
	if err != nil || run.Status != domain.RunLive || run.StartedAt == "" {
		t.Fatalf("go live: %v %+v", err, run)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "r1", ActorID: "org", Status: domain.RunOpen})
	expectReason(t, err, domain.ReasonInvalidTransition)

	run = env.end(t, "r1")
	if run.Status != domain.RunEnded || run.EndedAt == "" {
		t.Fatalf("unexpected ended run %+v", run)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "r1", ActorID: "org", Status: domain.RunLive})
	expectReason(t, err, domain.ReasonInvalidTransition)
	var se domain.StateError
	if !errors.As(err, &se) || se.Current != domain.RunEnded || se.Requested != domain.RunLive {
		t.Fatalf("expected current/requested states, got %#v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "r1", Status: domain.RunEnded, System: true})
	expectReason(t, err, domain.ReasonInvalidTransition)
}

func TestHardModeNeedsScreenshot(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(community)
	cfg.Activities.HardModeKey = "mythic"
	cfg.Activities.Catalog = map[string]config.Activity{"mythic": {Label: "Mythic"}, "vault": {Label: "Vault"}}
	if err := env.Engine.ImportConfig(env.Ctx, cfg, "tester"); err != nil {
		t.Fatalf("import: %v", err)
	}
	run, err := env.Engine.CreateRun(env.Ctx, engine.CreateRunOptions{ID: "hm", CommunityID: community, OrganizerID: "org", ActivityKey: "mythic", Party: "p", Location: "l"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.ActivityLabel != "Mythic" {
		t.Fatalf("label from catalog expected, got %q", run.ActivityLabel)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "hm", ActorID: "org", Status: domain.RunLive})
	expectReason(t, err, domain.ReasonMissingScreenshot)
	shot := "https://img.example/1.png"
	if _, err := env.Engine.UpdateRunDetails(env.Ctx, engine.UpdateRunOptions{CommunityID: community, RunID: "hm", ActorID: "org", ScreenshotURL: &shot}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "hm", ActorID: "org", Status: domain.RunLive}); err != nil {
		t.Fatalf("go live with screenshot: %v", err)
	}

	_, err = env.Engine.CreateRun(env.Ctx, engine.CreateRunOptions{CommunityID: community, OrganizerID: "org", ActivityKey: "unknown"})
	expectReason(t, err, domain.ReasonInvalidInput)
}

func TestCreateRunRequiresOrganizer(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRun(env.Ctx, engine.CreateRunOptions{CommunityID: community, OrganizerID: "nobody", ActivityKey: "vault"})
	expectReason(t, err, domain.ReasonNotOrganizer)

	_, err = env.Engine.CreateRun(env.Ctx, engine.CreateRunOptions{CommunityID: community, OrganizerID: "guest", OrganizerRoles: []string{"organizer"}, ActivityKey: "vault"})
	if err != nil {
		t.Fatalf("asserted organizer role should pass: %v", err)
	}
	env.createRun(t, "dup")
	_, err = env.Engine.CreateRun(env.Ctx, engine.CreateRunOptions{ID: "dup", CommunityID: community, OrganizerID: "org", ActivityKey: "vault"})
	expectReason(t, err, domain.ReasonDuplicateRun)
}

func TestNoCheckpointScenario(t *testing.T) {
	env := newTestEnv(t)
	env.liveRun(t, "r1")
	env.join(t, "r1", "A", "B", "C")
	env.end(t, "r1")

	raids := env.countByActor(t, domain.ActionRaidCompleted)
	if !sameCounts(raids, map[string]int{"A": 1, "B": 1, "C": 1}) {
		t.Fatalf("unexpected raider credits %v", raids)
	}
	runs := env.countByActor(t, domain.ActionRunCompleted)
	if !sameCounts(runs, map[string]int{"org": 1}) {
		t.Fatalf("unexpected organizer credits %v", runs)
	}
	totals, err := env.Engine.Totals(env.Ctx, community, "A", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if totals.Raider != points.Amount(points.DefaultRaider) {
		t.Fatalf("raider total = %s", totals.Raider)
	}
	orgTotals, err := env.Engine.Totals(env.Ctx, community, "org", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if orgTotals.Organizer != points.Amount(points.DefaultOrganizer) {
		t.Fatalf("organizer total = %s", orgTotals.Organizer)
	}
}

func TestTwoCheckpointScenario(t *testing.T) {
	env := newTestEnv(t)
	env.liveRun(t, "r1")
	env.join(t, "r1", "A", "B")

	first := env.checkpoint(t, "r1")
	if first.Checkpoint != 1 || first.Members != 2 || first.Credited != 0 {
		t.Fatalf("unexpected first checkpoint %+v", first)
	}
	if !first.WindowEndsAt.Equal(fixedNow.Add(30 * time.Second)) {
		t.Fatalf("window end = %s", first.WindowEndsAt)
	}
	env.join(t, "r1", "C")
	second := env.checkpoint(t, "r1")
	if second.Checkpoint != 2 || second.Members != 3 || second.Credited != 2 {
		t.Fatalf("unexpected second checkpoint %+v", second)
	}
	raids := env.countByActor(t, domain.ActionRaidCompleted)
	if !sameCounts(raids, map[string]int{"A": 1, "B": 1}) {
		t.Fatalf("after checkpoint 2 expected A,B credited once, got %v", raids)
	}

	env.end(t, "r1")
	raids = env.countByActor(t, domain.ActionRaidCompleted)
	if !sameCounts(raids, map[string]int{"A": 2, "B": 2, "C": 1}) {
		t.Fatalf("unexpected final raider credits %v", raids)
	}
	keys := env.countByActor(t, domain.ActionKeyPop)
	if !sameCounts(keys, map[string]int{"org": 2}) {
		t.Fatalf("unexpected key pop credits %v", keys)
	}

	board, err := env.Engine.GetLeaderboard(env.Ctx, engine.LeaderboardOptions{CommunityID: community, Board: "completions"})
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 3 || board[0].ActorID != "A" || board[1].ActorID != "B" || board[2].ActorID != "C" {
		t.Fatalf("unexpected completions board %+v", board)
	}
	if board[0].Rank != 1 || board[1].Rank != 1 || board[2].Rank != 3 {
		t.Fatalf("ties should share a rank: %+v", board)
	}
	if board[0].Value != points.Whole(2) {
		t.Fatalf("completion value = %s", board[0].Value)
	}
	checkpoints, err := env.Engine.GetLeaderboard(env.Ctx, engine.LeaderboardOptions{CommunityID: community, Board: "checkpoints", ActivityKey: "all"})
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 1 || checkpoints[0].ActorID != "org" || checkpoints[0].Value != points.Whole(2) {
		t.Fatalf("unexpected checkpoints board %+v", checkpoints)
	}
}

func TestLaggedSnapshotCrediting(t *testing.T) {
	env := newTestEnv(t)
	env.liveRun(t, "r1")
	env.join(t, "r1", "A", "B")
	env.checkpoint(t, "r1")
	env.leave(t, "r1", "A")
	env.join(t, "r1", "D")
	res := env.checkpoint(t, "r1")
	if res.Credited != 2 {
		t.Fatalf("credited = %d", res.Credited)
	}
	raids := env.countByActor(t, domain.ActionRaidCompleted)
	if !sameCounts(raids, map[string]int{"A": 1, "B": 1}) {
		t.Fatalf("expected snapshot 1 members credited once, got %v", raids)
	}
	members, err := env.Engine.Snapshot(env.Ctx, community, "r1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0].ActorID != "B" || members[1].ActorID != "D" {
		t.Fatalf("unexpected snapshot 2 %+v", members)
	}
	first, err := env.Engine.Snapshot(env.Ctx, community, "r1", 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range first {
		if !m.Awarded {
			t.Fatalf("snapshot 1 member %s not marked awarded", m.ActorID)
		}
	}
}

func TestEndingIsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.liveRun(t, "r1")
	env.join(t, "r1", "A")
	env.end(t, "r1")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "r1", ActorID: "org", Status: domain.RunEnded})
	expectReason(t, err, domain.ReasonInvalidTransition)
	if runs := env.countByActor(t, domain.ActionRunCompleted); runs["org"] != 1 {
		t.Fatalf("organizer credited %d times", runs["org"])
	}
}

func TestSystemAutoEnd(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "r1")
	env.join(t, "r1", "A")

	due, err := env.Engine.ListDueRuns(env.Ctx, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("nothing should be due yet: %v %v", due, err)
	}
	env.Engine.Now = func() time.Time { return fixedNow.Add(3 * time.Hour) }
	due, err = env.Engine.ListDueRuns(env.Ctx, 10)
	if err != nil || len(due) != 1 || due[0].ID != "r1" {
		t.Fatalf("expected r1 due: %v %v", due, err)
	}
	run, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{RunID: "r1", Status: domain.RunEnded, System: true})
	if err != nil {
		t.Fatalf("system end from open: %v", err)
	}
	if run.Status != domain.RunEnded {
		t.Fatalf("status = %s", run.Status)
	}
	if raids := env.countByActor(t, domain.ActionRaidCompleted); raids["A"] != 1 {
		t.Fatalf("joiner not credited on auto end: %v", raids)
	}
}

func TestCheckpointIsOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	env.liveRun(t, "r1")
	if _, err := env.Engine.SetActorRoles(env.Ctx, community, "other-org", []string{"organizer"}, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.TriggerCheckpoint(env.Ctx, engine.CheckpointOptions{CommunityID: community, RunID: "r1", ActorID: "other-org"})
	expectReason(t, err, domain.ReasonNotOwner)

	// the organizer role still allows ending
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: community, RunID: "r1", ActorID: "other-org", Status: domain.RunEnded}); err != nil {
		t.Fatalf("organizer-capable end: %v", err)
	}
	_, err = env.Engine.TriggerCheckpoint(env.Ctx, engine.CheckpointOptions{CommunityID: community, RunID: "r1", ActorID: "org"})
	expectReason(t, err, domain.ReasonRunNotLive)
}

func TestCheckpointWindowBounds(t *testing.T) {
	env := newTestEnv(t)
	env.liveRun(t, "r1")
	tooLong := config.MaxCheckpointWindowSeconds + 1
	_, err := env.Engine.TriggerCheckpoint(env.Ctx, engine.CheckpointOptions{CommunityID: community, RunID: "r1", ActorID: "org", WindowSeconds: &tooLong})
	expectReason(t, err, domain.ReasonInvalidInput)
}

func TestCommunityMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.liveRun(t, "r1")
	_, err := env.Engine.SetParticipation(env.Ctx, engine.ParticipationOptions{CommunityID: "c2", RunID: "r1", ActorID: "A", Join: true})
	expectReason(t, err, domain.ReasonCommunityMismatch)
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{CommunityID: "c2", RunID: "r1", ActorID: "org", Status: domain.RunEnded})
	expectReason(t, err, domain.ReasonCommunityMismatch)
	_, err = env.Engine.TriggerCheckpoint(env.Ctx, engine.CheckpointOptions{CommunityID: "c2", RunID: "r1", ActorID: "org"})
	expectReason(t, err, domain.ReasonCommunityMismatch)
}

func TestParticipationOnEndedRun(t *testing.T) {
	env := newTestEnv(t)
	env.liveRun(t, "r1")
	env.end(t, "r1")
	_, err := env.Engine.SetParticipation(env.Ctx, engine.ParticipationOptions{CommunityID: community, RunID: "r1", ActorID: "A", Join: true})
	expectReason(t, err, domain.ReasonRunClosed)
	err = env.Engine.SetActivityTag(env.Ctx, engine.TagOptions{CommunityID: community, RunID: "r1", ActorID: "A", Tag: "healer"})
	expectReason(t, err, domain.ReasonRunClosed)
	_, err = env.Engine.ToggleKeyReaction(env.Ctx, engine.KeyReactionOptions{CommunityID: community, RunID: "r1", ActorID: "A", KeyType: "gold"})
	expectReason(t, err, domain.ReasonRunClosed)
}

func TestActivityTagRequiresJoin(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "r1")
	err := env.Engine.SetActivityTag(env.Ctx, engine.TagOptions{CommunityID: community, RunID: "r1", ActorID: "A", Tag: "healer"})
	expectReason(t, err, domain.ReasonNotJoined)
	env.join(t, "r1", "A")
	if err := env.Engine.SetActivityTag(env.Ctx, engine.TagOptions{CommunityID: community, RunID: "r1", ActorID: "A", Tag: "healer"}); err != nil {
		t.Fatalf("tag: %v", err)
	}
	env.join(t, "r1", "A")
	parts, err := env.Engine.ListParticipants(env.Ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || parts[0].ClassTag != "healer" {
		t.Fatalf("rejoin should keep the tag: %+v", parts)
	}
}

func TestToggleKeyReaction(t *testing.T) {
	env := newTestEnv(t)
	env.createRun(t, "r1")
	opts := engine.KeyReactionOptions{CommunityID: community, RunID: "r1", ActorID: "A", KeyType: "gold"}
	on, err := env.Engine.ToggleKeyReaction(env.Ctx, opts)
	if err != nil || !on {
		t.Fatalf("first toggle: %v %v", on, err)
	}
	keys, err := env.Engine.ListKeyReactions(env.Ctx, "r1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected one key: %v %v", keys, err)
	}
	on, err = env.Engine.ToggleKeyReaction(env.Ctx, opts)
	if err != nil || on {
		t.Fatalf("second toggle: %v %v", on, err)
	}
	keys, err = env.Engine.ListKeyReactions(env.Ctx, "r1")
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys: %v %v", keys, err)
	}
}

func TestIdempotentCrediting(t *testing.T) {
	env := newTestEnv(t)
	l := ledger.Ledger{Repo: env.Engine.Repo, Now: env.Engine.Now}
	entry := ledger.Entry{
		CommunityID:     community,
		ActorID:         "org",
		ActionType:      domain.ActionRunCompleted,
		SubjectID:       ledger.RunSubject("ext-1"),
		OrganizerPoints: points.Whole(1),
		Units:           1,
	}
	var firstID string
	for i := 0; i < 2; i++ {
		err := env.Engine.Tx.Run(env.Ctx, func(ctx context.Context, q db.Querier) error {
			inserted, evt, err := l.Record(ctx, q, entry)
			if err != nil {
				return err
			}
			if i == 0 {
				if !inserted {
					t.Fatalf("first record should insert")
				}
				firstID = evt.ID
			} else if inserted || evt.ID != firstID {
				t.Fatalf("retry should be a no-op returning the stored event")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if runs := env.countByActor(t, domain.ActionRunCompleted); runs["org"] != 1 {
		t.Fatalf("expected one row, got %d", runs["org"])
	}
}

func TestClampedAdjustment(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdjustPoints(env.Ctx, engine.AdjustOptions{CommunityID: community, CallerID: "org", ActorID: "A", Category: "raider", Delta: points.Whole(2)}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	res, err := env.Engine.AdjustPoints(env.Ctx, engine.AdjustOptions{CommunityID: community, CallerID: "org", ActorID: "A", Category: "raider", Delta: points.Whole(-5)})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.Applied != points.Whole(-2) || res.NewTotal != 0 {
		t.Fatalf("applied %s total %s", res.Applied, res.NewTotal)
	}
	res, err = env.Engine.AdjustPoints(env.Ctx, engine.AdjustOptions{CommunityID: community, CallerID: "org", ActorID: "A", Category: "raider", Delta: points.Whole(-1)})
	if err != nil {
		t.Fatalf("debit at zero: %v", err)
	}
	if res.Applied != 0 || res.Recorded {
		t.Fatalf("debit at zero should apply nothing: %+v", res)
	}

	_, err = env.Engine.AdjustPoints(env.Ctx, engine.AdjustOptions{CommunityID: community, CallerID: "A", ActorID: "A", Category: "raider", Delta: points.Whole(5)})
	expectReason(t, err, domain.ReasonNotOrganizer)
	_, err = env.Engine.AdjustPoints(env.Ctx, engine.AdjustOptions{CommunityID: community, CallerID: "org", ActorID: "A", Category: "raider"})
	expectReason(t, err, domain.ReasonInvalidAmount)
}

func TestNoNegativeInvariant(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(42))
	categories := []string{"raider", "organizer"}
	for i := 0; i < 60; i++ {
		delta := points.Amount(rng.Int63n(2001) - 1000)
		if delta == 0 {
			continue
		}
		category := categories[rng.Intn(2)]
		if _, err := env.Engine.AdjustPoints(env.Ctx, engine.AdjustOptions{CommunityID: community, CallerID: "org", ActorID: "A", Category: category, Delta: delta}); err != nil {
			t.Fatalf("adjust %d: %v", i, err)
		}
		totals, err := env.Engine.Totals(env.Ctx, community, "A", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if totals.Raider < 0 || totals.Organizer < 0 {
			t.Fatalf("negative total after step %d: %+v", i, totals)
		}
	}
}

func TestManualKeyPopsReverse(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.LogManualKeyPops(env.Ctx, engine.ManualLogOptions{CommunityID: community, CallerID: "org", ActorID: "A", ActivityKey: "vault", Count: 2})
	if err != nil {
		t.Fatalf("log keys: %v", err)
	}
	if res.AppliedUnits != 2 || res.CreditedPoints != points.Amount(points.DefaultKeyPop).Times(2) {
		t.Fatalf("unexpected credit %+v", res)
	}
	res, err = env.Engine.LogManualKeyPops(env.Ctx, engine.ManualLogOptions{CommunityID: community, CallerID: "org", ActorID: "A", ActivityKey: "vault", Count: -5})
	if err != nil {
		t.Fatalf("reverse keys: %v", err)
	}
	if res.AppliedUnits != -2 || res.NewTotal != 0 {
		t.Fatalf("reversal should clamp at zero: %+v", res)
	}
	board, err := env.Engine.GetLeaderboard(env.Ctx, engine.LeaderboardOptions{CommunityID: community, Board: "checkpoints"})
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 0 {
		t.Fatalf("checkpoint board should be empty after reversal: %+v", board)
	}

	if _, err := env.Engine.AdjustPoints(env.Ctx, engine.AdjustOptions{CommunityID: community, CallerID: "org", ActorID: "C", Category: "raider", Delta: points.Whole(8)}); err != nil {
		t.Fatalf("seed raider points: %v", err)
	}
	res, err = env.Engine.LogManualKeyPops(env.Ctx, engine.ManualLogOptions{CommunityID: community, CallerID: "org", ActorID: "C", ActivityKey: "vault", Count: -1})
	if err != nil {
		t.Fatalf("reverse without key pops: %v", err)
	}
	if res.Recorded || res.AppliedUnits != 0 || res.CreditedPoints != 0 || res.NewTotal != points.Whole(8) {
		t.Fatalf("reversal without key pops must not touch raid credit: %+v", res)
	}

	runs, err := env.Engine.LogManualCredit(env.Ctx, engine.ManualLogOptions{CommunityID: community, CallerID: "org", ActorID: "B", ActivityKey: "vault", Count: 3})
	if err != nil {
		t.Fatalf("log runs: %v", err)
	}
	if runs.CreditedPoints != points.Whole(3) {
		t.Fatalf("run credit = %s", runs.CreditedPoints)
	}
	organized, err := env.Engine.GetLeaderboard(env.Ctx, engine.LeaderboardOptions{CommunityID: community, Board: "runs_organized"})
	if err != nil {
		t.Fatal(err)
	}
	if len(organized) != 1 || organized[0].Value != points.Whole(3) {
		t.Fatalf("unexpected runs board %+v", organized)
	}
}

func TestOverridePrecedence(t *testing.T) {
	env := newTestEnv(t)
	resolve := func(roles []string) points.Amount {
		t.Helper()
		v, err := env.Engine.Resolver.Resolve(env.Ctx, env.Engine.DB, community, points.CategoryRaider, "X", roles)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		return v
	}
	set := func(role string, value int64) {
		t.Helper()
		if _, err := env.Engine.SetOverride(env.Ctx, engine.OverrideOptions{CommunityID: community, CallerID: "org", Category: "raider", RoleID: role, ActivityKey: "X", Points: points.Whole(value)}); err != nil {
			t.Fatalf("set override: %v", err)
		}
	}
	if got := resolve(nil); got != points.Amount(points.DefaultRaider) {
		t.Fatalf("default expected, got %s", got)
	}
	set("R1", 3)
	set("R2", 5)
	if got := resolve([]string{"R1", "R2"}); got != points.Whole(5) {
		t.Fatalf("both roles = %s", got)
	}
	if got := resolve([]string{"R1"}); got != points.Whole(3) {
		t.Fatalf("R1 = %s", got)
	}
	if got := resolve([]string{"R9"}); got != points.Amount(points.DefaultRaider) {
		t.Fatalf("neither role = %s", got)
	}
	if got := resolve(nil); got != points.Whole(5) {
		t.Fatalf("no roles should take the best override, got %s", got)
	}
	set("", 2)
	if got := resolve([]string{"R9"}); got != points.Amount(points.DefaultRaider) {
		t.Fatalf("role-less override must not apply to unrelated roles, got %s", got)
	}
	deleted, err := env.Engine.DeleteOverride(env.Ctx, engine.OverrideOptions{CommunityID: community, CallerID: "org", Category: "raider", RoleID: "R2", ActivityKey: "X"})
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	if got := resolve([]string{"R1", "R2"}); got != points.Whole(3) {
		t.Fatalf("after delete = %s", got)
	}
	if got := resolve(nil); got != points.Whole(3) {
		t.Fatalf("no roles after delete = %s", got)
	}
}

func TestOverrideAppliesToRaidCredit(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetOverride(env.Ctx, engine.OverrideOptions{CommunityID: community, CallerID: "org", Category: "raider", RoleID: "vip", ActivityKey: "vault", Points: points.Whole(4)}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetActorRoles(env.Ctx, community, "A", []string{"vip"}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetActorRoles(env.Ctx, community, "B", []string{"member"}, "tester"); err != nil {
		t.Fatal(err)
	}
	env.liveRun(t, "r1")
	env.join(t, "r1", "A", "B")
	env.end(t, "r1")
	a, _ := env.Engine.Totals(env.Ctx, community, "A", nil, nil)
	b, _ := env.Engine.Totals(env.Ctx, community, "B", nil, nil)
	if a.Raider != points.Whole(4) || b.Raider != points.Amount(points.DefaultRaider) {
		t.Fatalf("A=%s B=%s", a.Raider, b.Raider)
	}
}

func TestModerationAndQuota(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetRoleQuota(env.Ctx, engine.RoleQuotaOptions{
		CommunityID:    community,
		CallerID:       "org",
		RoleID:         "mod",
		RequiredPoints: points.Whole(3),
		Moderation:     domain.ModerationPoints{Warning: points.Whole(2), Note: points.Amount(50)},
	}); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if _, err := env.Engine.SetActorRoles(env.Ctx, community, "m1", []string{"mod"}, "tester"); err != nil {
		t.Fatal(err)
	}
	opts := engine.ModerationOptions{CommunityID: community, ActorID: "m1", Action: domain.ModerationWarning, TicketID: "t-1"}
	first, err := env.Engine.RecordModerationAction(env.Ctx, opts)
	if err != nil || !first.Inserted || first.Points != points.Whole(2) {
		t.Fatalf("first moderation credit: %+v %v", first, err)
	}
	again, err := env.Engine.RecordModerationAction(env.Ctx, opts)
	if err != nil || again.Inserted {
		t.Fatalf("retry should be a no-op: %+v %v", again, err)
	}

	status, err := env.Engine.QuotaStatus(env.Ctx, community, "m1", "mod")
	if err != nil {
		t.Fatalf("quota status: %v", err)
	}
	if status.Earned != points.Whole(2) || status.Met {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := env.Engine.RecordModerationAction(env.Ctx, engine.ModerationOptions{CommunityID: community, ActorID: "m1", Action: domain.ModerationNote, TicketID: "t-2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdjustPoints(env.Ctx, engine.AdjustOptions{CommunityID: community, CallerID: "org", ActorID: "m1", Category: "raider", Delta: points.Amount(50)}); err != nil {
		t.Fatal(err)
	}
	status, err = env.Engine.QuotaStatus(env.Ctx, community, "m1", "mod")
	if err != nil {
		t.Fatal(err)
	}
	if status.Earned != points.Whole(3) || !status.Met {
		t.Fatalf("quota should be met: %+v", status)
	}

	_, err = env.Engine.RecordModerationAction(env.Ctx, engine.ModerationOptions{CommunityID: community, ActorID: "stranger", Action: domain.ModerationWarning})
	expectReason(t, err, domain.ReasonNotOrganizer)
	_, err = env.Engine.RecordModerationAction(env.Ctx, engine.ModerationOptions{CommunityID: community, ActorID: "m1", Action: "bogus"})
	expectReason(t, err, domain.ReasonInvalidInput)
}

func TestPeriodResetScopesLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetRoleQuota(env.Ctx, engine.RoleQuotaOptions{CommunityID: community, CallerID: "org", RoleID: "mod", RequiredPoints: points.Whole(1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdjustPoints(env.Ctx, engine.AdjustOptions{CommunityID: community, CallerID: "org", ActorID: "A", Category: "organizer", Delta: points.Whole(4)}); err != nil {
		t.Fatal(err)
	}
	board, err := env.Engine.GetLeaderboard(env.Ctx, engine.LeaderboardOptions{CommunityID: community, Board: "organizer_points", RoleID: "mod"})
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 1 || board[0].Value != points.Whole(4) {
		t.Fatalf("current period board %+v", board)
	}

	env.Engine.Now = func() time.Time { return fixedNow.Add(24 * time.Hour) }
	cfg, err := env.Engine.ResetPeriod(env.Ctx, engine.ResetPeriodOptions{CommunityID: community, CallerID: "org", RoleID: "mod"})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !cfg.PeriodStart.Equal(fixedNow.Add(24*time.Hour)) || cfg.PeriodReset.Sub(cfg.PeriodStart) != 7*24*time.Hour {
		t.Fatalf("unexpected period %s..%s", cfg.PeriodStart, cfg.PeriodReset)
	}
	board, err = env.Engine.GetLeaderboard(env.Ctx, engine.LeaderboardOptions{CommunityID: community, Board: "organizer_points", RoleID: "mod"})
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 0 {
		t.Fatalf("points before the reset should not count: %+v", board)
	}
	all, err := env.Engine.GetLeaderboard(env.Ctx, engine.LeaderboardOptions{CommunityID: community, Board: "organizer_points"})
	if err != nil || len(all) != 1 {
		t.Fatalf("unbounded board: %+v %v", all, err)
	}

	_, err = env.Engine.GetLeaderboard(env.Ctx, engine.LeaderboardOptions{CommunityID: community, Board: "nope"})
	expectReason(t, err, domain.ReasonInvalidInput)
	_, err = env.Engine.QuotaStatus(env.Ctx, community, "A", "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "poller", "auto end", []string{"system.autoend"})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if secret == "" || key.KeyHash != repo.HashAPIKey(secret) {
		t.Fatalf("stored hash must match secret")
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, env.Engine.DB, repo.HashAPIKey(secret))
	if err != nil || len(stored.Permissions) != 1 || stored.Permissions[0] != "system.autoend" {
		t.Fatalf("lookup: %+v %v", stored, err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID, "poller"); err != nil {
		t.Fatal(err)
	}
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "poller")
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys: %v %v", keys, err)
	}
}
