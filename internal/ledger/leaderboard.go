package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/points"
	"raidline/internal/repo"
)

// Board names a leaderboard aggregation.
type Board string

const (
	BoardRunsOrganized   Board = "runs_organized"
	BoardCheckpoints     Board = "checkpoints"
	BoardCompletions     Board = "completions"
	BoardRaiderPoints    Board = "raider_points"
	BoardOrganizerPoints Board = "organizer_points"
)

var Boards = []Board{BoardRunsOrganized, BoardCheckpoints, BoardCompletions, BoardRaiderPoints, BoardOrganizerPoints}

type aggregation struct {
	expr    string
	actions []string
	counts  bool
}

var aggregations = map[Board]aggregation{
	BoardRunsOrganized:   {expr: "SUM(units)", actions: []string{domain.ActionRunCompleted, domain.ActionRunLogged}, counts: true},
	BoardCheckpoints:     {expr: "SUM(units)", actions: []string{domain.ActionKeyPop, domain.ActionKeyLogged}, counts: true},
	BoardCompletions:     {expr: "COUNT(*)", actions: []string{domain.ActionRaidCompleted}, counts: true},
	BoardRaiderPoints:    {expr: "SUM(raider_points)"},
	BoardOrganizerPoints: {expr: "SUM(organizer_points)"},
}

func ParseBoard(s string) (Board, error) {
	b := Board(strings.TrimSpace(s))
	if _, ok := aggregations[b]; !ok {
		return "", domain.ValidationError{
			Reason:  domain.ReasonInvalidInput,
			Message: fmt.Sprintf("unknown leaderboard category %q", s),
			Fields:  map[string]string{"category": "unknown"},
		}
	}
	return b, nil
}

type LeaderboardQuery struct {
	CommunityID string
	Board       Board
	// ActivityKey filters to one activity; empty or "all" means every activity.
	ActivityKey string
	Since       *time.Time
	Until       *time.Time
	Limit       int
}

// Leaderboard ranks actors by the board's aggregation. Equal values share a rank.
func (l Ledger) Leaderboard(ctx context.Context, q db.Querier, lq LeaderboardQuery) ([]domain.LeaderboardEntry, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Leaderboard")
	defer span.End()

	agg, ok := aggregations[lq.Board]
	if !ok {
		return nil, fmt.Errorf("unknown leaderboard %q", lq.Board)
	}
	activity := lq.ActivityKey
	if strings.EqualFold(activity, "all") {
		activity = ""
	}
	rows, err := l.Repo.AggregateLedger(ctx, q, agg.expr, repo.LedgerFilters{
		CommunityID: lq.CommunityID,
		ActionTypes: agg.actions,
		ActivityKey: activity,
		Since:       lq.Since,
		Until:       lq.Until,
	}, lq.Limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	entries := make([]domain.LeaderboardEntry, 0, len(rows))
	for i, row := range rows {
		value := points.Amount(row.Value)
		if agg.counts {
			value = points.Whole(row.Value)
		}
		rank := i + 1
		if i > 0 && entries[i-1].Value == value {
			rank = entries[i-1].Rank
		}
		entries = append(entries, domain.LeaderboardEntry{Rank: rank, ActorID: row.ActorID, Value: value})
	}
	return entries, nil
}
