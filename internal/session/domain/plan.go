package domain

import "github.com/fableworks/loreline/internal/config"

// StagePlan returns the ordered stage names for a session kind.
//
// character: compile the sheet, then synthesize the portrait.
// story: compile the body only.
// avatar_correction: recompile a portrait prompt, then synthesize a new
// primary image.
// data_correction: analyze the existing portrait, then compile the corrected
// fields from it.
func StagePlan(kind SessionKind) ([]string, bool) {
	switch kind {
	case KindCharacter:
		return []string{config.StageCompileText, config.StageSynthesizeImage}, true
	case KindStory:
		return []string{config.StageCompileText}, true
	case KindAvatarCorrection:
		return []string{config.StageCompileText, config.StageSynthesizeImage}, true
	case KindDataCorrection:
		return []string{config.StageAnalyzeImage, config.StageCompileText}, true
	}
	return nil, false
}

// EstimatedCost sums the nominal stage costs for a kind. Reservations are
// sized from this; settlement uses actual reported cost.
func EstimatedCost(kind SessionKind, quota *config.QuotaHolder) (int64, bool) {
	plan, ok := StagePlan(kind)
	if !ok {
		return 0, false
	}
	var total int64
	for _, stage := range plan {
		total += quota.StageCost(stage)
	}
	return total, true
}

// PercentComplete computes progress from stage states: each succeeded stage
// is a full slot, a running stage counts half a slot. Monotonic as long as
// stages only move forward.
func PercentComplete(stages []StageView) int {
	if len(stages) == 0 {
		return 0
	}
	var completed, half int
	for _, stage := range stages {
		switch stage.Status {
		case StageStatusSucceeded:
			completed++
		case StageStatusRunning:
			half++
		}
	}
	return (completed*100 + half*50) / len(stages)
}
