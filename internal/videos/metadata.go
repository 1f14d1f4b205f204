package videos

import (
	"context"

	"github.com/karyon/client/internal/models"
)

// Provider returns metadata for the supplied video URL.
type Provider interface {
	Lookup(ctx context.Context, url string) (models.LinkMetadata, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, url string) (models.LinkMetadata, error)

// Lookup implements Provider.
func (f ProviderFunc) Lookup(ctx context.Context, url string) (models.LinkMetadata, error) {
	return f(ctx, url)
}

// MetadataSource is satisfied by the API client.
type MetadataSource interface {
	LinkMetadata(ctx context.Context, link string) (models.LinkMetadata, error)
}

// NewAPIProvider looks metadata up through the Karyon API.
func NewAPIProvider(src MetadataSource) Provider {
	if src == nil {
		return nil
	}
	return ProviderFunc(src.LinkMetadata)
}
