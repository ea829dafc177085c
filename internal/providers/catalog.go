package providers

import (
	"context"

	catalog "github.com/haasonsaas/orbit/internal/models"
)

// Vendor identifiers for recommendedModelsFor, re-exported from
// internal/models so callers elsewhere in this package don't need their own
// import of it under another name.
const (
	vendorAnthropic = catalog.ProviderAnthropic
	vendorOpenAI    = catalog.ProviderOpenAI
	vendorGoogle    = catalog.ProviderGoogle
	vendorBedrock   = catalog.ProviderBedrock
)

// recommendedModelsFor converts internal/models' bundled catalog entries
// for one vendor into this package's ModelInfo shape. It backs each
// concrete provider's FetchRecommendedModels, so a provider that has not
// (yet) wired a live models-list API call still returns a curated,
// versioned set rather than ErrNotImplemented.
func recommendedModelsFor(vendor catalog.Provider) ([]ModelInfo, error) {
	entries := catalog.ListByProvider(vendor)
	out := make([]ModelInfo, 0, len(entries))
	for _, m := range entries {
		if m.Deprecated {
			continue
		}
		out = append(out, ModelInfo{
			ID:                 m.ID,
			ContextLimit:       m.ContextWindow,
			InputCostPerToken:  m.InputPrice / 1_000_000,
			OutputCostPerToken: m.OutputPrice / 1_000_000,
			HasCost:            m.InputPrice > 0 || m.OutputPrice > 0,
		})
	}
	return out, nil
}

// fetchRecommendedModelsFor is the shared FetchRecommendedModels body each
// concrete provider's method delegates to; ctx is accepted for interface
// symmetry with FetchSupportedModels even though the catalog lookup itself
// never blocks.
func fetchRecommendedModelsFor(_ context.Context, vendor catalog.Provider) ([]ModelInfo, error) {
	return recommendedModelsFor(vendor)
}
