package orchestrator

import "github.com/sells-group/knowledge-search/internal/citation"

const (
	supportWeight         = 0.6
	similarityWeight      = 0.4
	disagreementPenalty   = 0.05
	unalignedPrior        = 0.5
	alignmentFailedFactor = 0.5
	degradedFactor        = 0.8
)

// Confidence scores an answer from its alignment. A nil alignment means
// alignment failed: the score starts from a neutral prior and is halved.
// Degraded answers are scaled down further. The result is clamped to [0,1].
func Confidence(al *citation.Alignment, degraded bool) float64 {
	var score float64
	if al == nil {
		score = unalignedPrior * alignmentFailedFactor
	} else if n := len(al.Claims); n > 0 {
		supported := float64(al.Supported()) / float64(n)
		score = supportWeight*supported + similarityWeight*al.MeanBestSimilarity()
		score -= disagreementPenalty * float64(len(al.Disagreements))
	}
	if degraded {
		score *= degradedFactor
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
