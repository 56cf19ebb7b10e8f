package main

import (
	"sort"

	"github.com/samber/lo"
)

const topProducerCount = 5

// TopCountry is one row of the end-of-game producer ranking.
type TopCountry struct {
	Country string  `json:"country"`
	Value   float64 `json:"value"`
	Percent float64 `json:"percent"`
}

// GameResult is everything a finished game broadcasts.
type GameResult struct {
	Leaderboard  []Player     `json:"leaderboard"`
	TopCountries []TopCountry `json:"topCountries"`
	TotalWorld   float64      `json:"totalWorld"`
}

// scoreGame ranks players against the (product, year) dataset slice.
//
// A player's score is the summed production of their picked countries;
// picks absent from the slice contribute zero. Percentages are shares
// of world production, meaning the sum over every record in the slice.
// Both sorts are stable so ties keep join order (players) and file
// order (countries). Pure function; broadcasting is the caller's job.
func scoreGame(filtered []Record, players []Player) GameResult {
	totalWorld := lo.SumBy(filtered, func(r Record) float64 {
		return r.Value
	})

	byCountry := make(map[string]float64, len(filtered))
	for _, r := range filtered {
		byCountry[foldKey(r.Country)] += r.Value
	}

	leaderboard := make([]Player, len(players))
	copy(leaderboard, players)

	for i := range leaderboard {
		var score float64
		for _, country := range leaderboard[i].Countries {
			score += byCountry[foldKey(country)]
		}

		leaderboard[i].Score = score
		leaderboard[i].Percentage = 0
		if totalWorld > 0 {
			leaderboard[i].Percentage = score / totalWorld * 100
		}
	}

	sort.SliceStable(leaderboard, func(a, b int) bool {
		return leaderboard[a].Score > leaderboard[b].Score
	})

	ranked := make([]Record, len(filtered))
	copy(ranked, filtered)

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Value > ranked[b].Value
	})

	if len(ranked) > topProducerCount {
		ranked = ranked[:topProducerCount]
	}

	topCountries := make([]TopCountry, 0, len(ranked))
	for _, r := range ranked {
		var percent float64
		if totalWorld > 0 {
			percent = r.Value / totalWorld * 100
		}

		topCountries = append(topCountries, TopCountry{
			Country: r.Country,
			Value:   r.Value,
			Percent: percent,
		})
	}

	return GameResult{
		Leaderboard:  leaderboard,
		TopCountries: topCountries,
		TotalWorld:   totalWorld,
	}
}
