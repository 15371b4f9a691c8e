package quota

// TierOrder lists tiers from lowest to highest.
var TierOrder = []Tier{TierTrial, TierBasic, TierStandard, TierPro, TierUnlimited}

// TierRank returns the position of t in TierOrder, or -1 when unknown.
func TierRank(t Tier) int {
	for i, candidate := range TierOrder {
		if candidate == t {
			return i
		}
	}
	return -1
}

// IsUpgrade reports whether moving from -> to raises the tier.
func IsUpgrade(from, to Tier) bool {
	return TierRank(to) > TierRank(from)
}

// SuggestUpgrade returns the next tier above current, or "" at the top.
func SuggestUpgrade(current Tier) Tier {
	rank := TierRank(current)
	if rank < 0 || rank+1 >= len(TierOrder) {
		return ""
	}
	return TierOrder[rank+1]
}
