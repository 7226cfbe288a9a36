package ingest

// Harvest quantity derivation. Area in m², weight in grams, biomass in kg.
// The two functions are inverses of each other up to rounding.

func DeriveRemovalDensity(biomassKg, areaM2, avgWeightG float64) float64 {
	return biomassKg * 1000 / (areaM2 * avgWeightG)
}

func DeriveBiomassKg(removalOrgM2, areaM2, avgWeightG float64) float64 {
	return removalOrgM2 * areaM2 * avgWeightG / 1000
}
