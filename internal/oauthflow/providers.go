package oauthflow

import "strings"

// ProviderMeta carries the display metadata for a third-party provider. It is
// a pure lookup: unknown identifiers get a generic fallback, never an error.
type ProviderMeta struct {
	ID          string
	DisplayName string
	Icon        string
	BrandColor  string
}

var providerMetas = map[string]ProviderMeta{
	"google":    {ID: "google", DisplayName: "Google", Icon: "google", BrandColor: "#4285F4"},
	"github":    {ID: "github", DisplayName: "GitHub", Icon: "github", BrandColor: "#24292F"},
	"gitlab":    {ID: "gitlab", DisplayName: "GitLab", Icon: "gitlab", BrandColor: "#FC6D26"},
	"microsoft": {ID: "microsoft", DisplayName: "Microsoft", Icon: "microsoft", BrandColor: "#00A4EF"},
	"apple":     {ID: "apple", DisplayName: "Apple", Icon: "apple", BrandColor: "#000000"},
}

// MetaFor returns the display metadata for a provider identifier.
func MetaFor(id string) ProviderMeta {
	key := strings.ToLower(strings.TrimSpace(id))
	if meta, ok := providerMetas[key]; ok {
		return meta
	}
	display := key
	if display == "" {
		display = "unknown"
	}
	return ProviderMeta{
		ID:          key,
		DisplayName: strings.ToUpper(display[:1]) + display[1:],
		Icon:        "generic",
		BrandColor:  "#666666",
	}
}
