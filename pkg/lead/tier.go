package lead

// Tier is the urgency bucket derived from a score.
type Tier string

// Alert tiers, strongest first.
const (
	TierImmediate    Tier = "immediate"
	TierHighPriority Tier = "high_priority"
	TierStandard     Tier = "standard"
	TierBatch        Tier = "batch"
	TierNone         Tier = "none"
)

// TierForScore maps a score onto a closed partition of [0,100]:
// >=80 immediate, 60-79 high_priority, 40-59 standard, 20-39 batch, <20 none.
func TierForScore(score int) Tier {
	switch {
	case score >= 80:
		return TierImmediate
	case score >= 60:
		return TierHighPriority
	case score >= 40:
		return TierStandard
	case score >= 20:
		return TierBatch
	default:
		return TierNone
	}
}

// Rank orders tiers from weakest (0) to strongest. Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierNone:
		return 0
	case TierBatch:
		return 1
	case TierStandard:
		return 2
	case TierHighPriority:
		return 3
	case TierImmediate:
		return 4
	default:
		return -1
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}
