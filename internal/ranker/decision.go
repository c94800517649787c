package ranker

import "github.com/example/commatch/internal/match"

// Tier thresholds on the top score.
const (
	SoulmateThreshold = 0.87
	ExplorerThreshold = 0.55
	explorerLimit     = 5
)

// Decide applies the tier thresholds to a ranked list and shapes the final
// result. Fallback results are filled by the caller from the popularity query;
// here they come back empty with the profile-update flag set.
func Decide(taskID, userID string, ranked []match.RankedMatch) match.Result {
	res := match.Result{TaskID: taskID, UserID: userID}

	if len(ranked) == 0 {
		res.Tier = match.TierFallback
		res.RequiresProfileUpdate = true
		return res
	}

	top := ranked[0].Score
	switch {
	case top > SoulmateThreshold:
		res.Tier = match.TierSoulmate
		res.Matches = ranked[:1]
	case top >= ExplorerThreshold:
		res.Tier = match.TierExplorer
		n := len(ranked)
		if n > explorerLimit {
			n = explorerLimit
		}
		res.Matches = ranked[:n]
	default:
		res.Tier = match.TierFallback
		res.RequiresProfileUpdate = true
	}
	return res
}
