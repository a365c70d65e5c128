package model

import "time"

// Rating は評価対象ユーザーに紐づく1件のレビュー評価。
type Rating struct {
	Rating    int
	Content   string
	CreatedAt time.Time
}

// Reputation はレビューから導出される評判の集計値。保存はしない。
type Reputation struct {
	AverageRating float64
	ReviewCount   int
}
