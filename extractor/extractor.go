// Package extractor is the dynamic-class-selection registry for
// site-specific body extraction, queried by name the way pystemon's
// pastiesite.py resolves site_pastie_classname to a Pastie subclass.
//
// Implemented as a lookup table from
// name to a function returning the interface instance. No runtime code
// loading is required."
package extractor

import (
	"context"

	"github.com/cvandeplas/pystemon"
)

var registry = map[string]func() pystemon.Extractor{
	"": func() pystemon.Extractor { return nil },
}

// Register adds a named extractor constructor to the registry. Called from
// package init functions of site-specific extractor implementations.
func Register(name string, factory func() pystemon.Extractor) {
	registry[name] = factory
}

// For returns the extractor registered under name, or nil if name is empty
// or unregistered (nil means "use the generic GET-based fetch").
func For(name string) pystemon.Extractor {
	factory, ok := registry[name]
	if !ok {
		return nil
	}
	return factory()
}

// Generic is the default extractor: a plain GET of p.URL, identical to
// Pastie.Process's built-in fetch path. It exists so a site can name it
// explicitly in pastie-classname for symmetry with sites that need an
// override.
//
// Grounded on pystemon/pastie.py's default __fetch_pastie__.
type Generic struct{}

func (Generic) Fetch(ctx context.Context, p *pystemon.Pastie, ua *pystemon.UserAgent) error {
	if p.MetadataURL != "" {
		if meta, err := ua.Get(ctx, p.MetadataURL); err == nil {
			p.Metadata = meta
		}
	}
	content, err := ua.Get(ctx, p.URL)
	if err != nil {
		return err
	}
	p.Content = content
	return nil
}

func init() {
	Register("generic", func() pystemon.Extractor { return Generic{} })
}
