package tools

import (
	"github.com/rs/zerolog"

	"github.com/amira/toolbridge/pkg/registry"
	"github.com/amira/toolbridge/pkg/transport"
)

// Config carries the external service settings for the built-in tools.
// Empty URLs mean the public endpoints.
type Config struct {
	FrankfurterURL    string
	UCUMURL           string
	AdobeURL          string
	AdobeClientID     string
	AdobeClientSecret string
}

// RegisterBuiltins registers the built-in tools and binds their handlers
// to the in-process adapter.
func RegisterBuiltins(reg *registry.Registry, local *transport.LocalAdapter, cfg Config, logger zerolog.Logger) error {
	currency := NewCurrency(cfg.FrankfurterURL, logger)
	units := NewUnits(cfg.UCUMURL, logger)
	pdfSplit := NewPDFSplit(cfg.AdobeURL, cfg.AdobeClientID, cfg.AdobeClientSecret, logger)

	for _, tool := range []struct {
		desc    registry.Descriptor
		handler transport.Handler
	}{
		{currency.Descriptor(), currency.Handler},
		{units.Descriptor(), units.Handler},
		{pdfSplit.Descriptor(), pdfSplit.Handler},
	} {
		if err := reg.Register(tool.desc, registry.Implementation(tool.handler)); err != nil {
			return err
		}
		local.Bind(tool.desc.Name, tool.handler)
	}

	return nil
}
