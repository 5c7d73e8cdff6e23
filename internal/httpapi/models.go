package httpapi

import "strings"

// speechModels is the static voice catalog served by /api/get_models. Entries
// carry a trailing language code so the endpoint can filter by suffix.
var speechModels = []string{
	"aura-2-thalia-en",
	"aura-2-andromeda-en",
	"aura-2-helena-en",
	"aura-2-apollo-en",
	"aura-2-arcas-en",
	"aura-2-aries-en",
	"aura-2-orion-en",
	"aura-asteria-en",
	"aura-luna-en",
	"aura-stella-en",
	"aura-athena-en",
	"aura-zeus-en",
	"aura-2-sirio-es",
	"aura-2-nestor-es",
	"aura-2-celeste-es",
	"aura-2-estrella-es",
	"aura-2-javier-es",
}

// filterModels returns the catalog entries whose language suffix matches.
// An empty language returns the whole catalog.
func filterModels(language string) []string {
	if language == "" {
		out := make([]string, len(speechModels))
		copy(out, speechModels)
		return out
	}
	out := make([]string, 0, len(speechModels))
	for _, m := range speechModels {
		if strings.HasSuffix(m, "-"+language) {
			out = append(out, m)
		}
	}
	return out
}

// defaultModelFor returns the first catalog entry for language, or empty when
// none matches.
func defaultModelFor(language string) string {
	if models := filterModels(language); len(models) > 0 {
		return models[0]
	}
	return ""
}
