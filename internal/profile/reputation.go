package profile

import (
	"math"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// ComputeReputation はレビュー評価から平均評価と件数を算出する。
// 平均は小数第1位に丸め、評価が1件もない場合は0。
func ComputeReputation(ratings []model.Rating) model.Reputation {
	if len(ratings) == 0 {
		return model.Reputation{}
	}

	sum := 0
	for _, r := range ratings {
		sum += r.Rating
	}
	mean := float64(sum) / float64(len(ratings))

	return model.Reputation{
		AverageRating: math.Round(mean*10) / 10,
		ReviewCount:   len(ratings),
	}
}
