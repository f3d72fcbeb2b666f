package engine

import (
	"math"
	"sort"

	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/match"
)

// Decision rules.
//
// A row merges only when its best candidate clears the confidence threshold
// AND no second happening is close enough to make the choice ambiguous.
// Ambiguity goes to a human, never to a heuristic tiebreak.
const (
	// NearTieDelta parks a row for review when the runner-up happening
	// scores within this distance of the winner.
	NearTieDelta = 0.03

	// PerfectTieEpsilon is the float tolerance under which two scores are
	// considered equal.
	PerfectTieEpsilon = 1e-9
)

type DecisionKind string

const (
	DecisionCreate DecisionKind = "create"
	DecisionMerge  DecisionKind = "merge"
	DecisionReview DecisionKind = "review"
)

// Scored pairs one candidate with its match confidence.
type Scored struct {
	Candidate db.Candidate
	Score     float64
}

// Decision is the outcome for one source row.
type Decision struct {
	Kind     DecisionKind
	Best     *Scored
	RunnerUp *Scored // best-scoring distinct happening after the winner
}

// Decide reduces scored candidates to a single outcome. A happening may
// appear with several offerings; only its best-scoring pair counts. Ordering
// is deterministic: equal scores rank by lower happening id.
func Decide(scored []Scored) Decision {
	best := bestPerHappening(scored)
	if len(best) == 0 {
		return Decision{Kind: DecisionCreate}
	}

	sort.SliceStable(best, func(i, j int) bool {
		if math.Abs(best[i].Score-best[j].Score) > PerfectTieEpsilon {
			return best[i].Score > best[j].Score
		}
		return best[i].Candidate.HappeningID < best[j].Candidate.HappeningID
	})

	top := best[0]
	if top.Score < match.ConfidenceThreshold {
		return Decision{Kind: DecisionCreate, Best: &top}
	}

	if len(best) > 1 {
		runnerUp := best[1]
		// Strictly less than the delta: a gap of exactly 0.03 is still a
		// clear enough winner to merge.
		if top.Score-runnerUp.Score < NearTieDelta {
			return Decision{Kind: DecisionReview, Best: &top, RunnerUp: &runnerUp}
		}
		return Decision{Kind: DecisionMerge, Best: &top, RunnerUp: &runnerUp}
	}

	return Decision{Kind: DecisionMerge, Best: &top}
}

func bestPerHappening(scored []Scored) []Scored {
	byHappening := make(map[int64]Scored, len(scored))
	for _, s := range scored {
		cur, ok := byHappening[s.Candidate.HappeningID]
		if !ok || s.Score > cur.Score+PerfectTieEpsilon {
			byHappening[s.Candidate.HappeningID] = s
			continue
		}
		// Equal scores keep the lower offering id for determinism.
		if math.Abs(s.Score-cur.Score) <= PerfectTieEpsilon && s.Candidate.OfferingID < cur.Candidate.OfferingID {
			byHappening[s.Candidate.HappeningID] = s
		}
	}

	out := make([]Scored, 0, len(byHappening))
	for _, s := range byHappening {
		out = append(out, s)
	}
	return out
}
