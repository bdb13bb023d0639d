package license

import (
	"strings"

	licenseErrors "github.com/photobatch/licenserver/internal/errors"
)

// Tier is a license tier derived from the key's structure. It is computed on
// demand and never stored.
type Tier string

const (
	TierPersonal   Tier = "PERSONAL"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
	TierLifetime   Tier = "LIFETIME"
	TierTrial      Tier = "TRIAL"
)

// TrialPrefix marks explicitly issued trial keys
const TrialPrefix = "TRIAL-"

// KeyDelimiter separates license key segments
const KeyDelimiter = "-"

// DefaultProductID is the product whose tier table answers for unknown or
// misspelled product identifiers.
const DefaultProductID = "photobatchpro"

// Entitlement is the feature set and limits a tier grants for a product
type Entitlement struct {
	Tier     Tier           `json:"tier"`
	Features []string       `json:"features"`
	Limits   map[string]int `json:"limits,omitempty"`
}

// ProductTiers describes the tiers a product recognizes and what each grants
type ProductTiers struct {
	Known       map[Tier]Entitlement
	DefaultTier Tier
}

// Resolver maps license key structure to tiers and entitlements. Pure; no I/O.
type Resolver struct {
	products map[string]ProductTiers
	// strict turns an unrecognized tier suffix into a validation error
	// instead of the permissive PERSONAL fallback.
	strict bool
}

// NewResolver creates a tier resolver over the given product tier tables.
// When strict is false an unrecognized tier suffix silently downgrades to the
// product's default tier, matching the historical behavior.
func NewResolver(products map[string]ProductTiers, strict bool) *Resolver {
	if products == nil {
		products = DefaultProducts()
	}
	return &Resolver{products: products, strict: strict}
}

// ResolveTier parses the key's structure into a license tier.
//
// Keys with fewer than three segments classify as TRIAL, as does any key
// carrying the explicit TRIAL- prefix. Otherwise the final segment,
// case-normalized, is looked up against the product's known tier set.
func (r *Resolver) ResolveTier(licenseKey, productID string) (Tier, error) {
	product := r.product(productID)

	if strings.HasPrefix(strings.ToUpper(licenseKey), TrialPrefix) {
		return TierTrial, nil
	}

	segments := strings.Split(licenseKey, KeyDelimiter)
	if len(segments) < 3 {
		return TierTrial, nil
	}

	suffix := Tier(strings.ToUpper(segments[len(segments)-1]))
	if _, ok := product.Known[suffix]; ok {
		return suffix, nil
	}

	if r.strict {
		return "", licenseErrors.ErrInvalidLicenseFormat
	}
	return product.DefaultTier, nil
}

// Entitlements resolves a tier to its feature set for the product
func (r *Resolver) Entitlements(tier Tier, productID string) Entitlement {
	product := r.product(productID)
	if ent, ok := product.Known[tier]; ok {
		return ent
	}
	return product.Known[product.DefaultTier]
}

// Resolve combines tier resolution and entitlement lookup
func (r *Resolver) Resolve(licenseKey, productID string) (Entitlement, error) {
	tier, err := r.ResolveTier(licenseKey, productID)
	if err != nil {
		return Entitlement{}, err
	}
	return r.Entitlements(tier, productID), nil
}

func (r *Resolver) product(productID string) ProductTiers {
	if p, ok := r.products[strings.ToLower(productID)]; ok {
		return p
	}
	// Unknown products resolve against the default product's table so the
	// engine keeps working when the client omits or misspells the product.
	if p, ok := r.products[DefaultProductID]; ok {
		return p
	}
	return ProductTiers{Known: map[Tier]Entitlement{}, DefaultTier: TierPersonal}
}

// DefaultProducts returns the built-in product tier table
func DefaultProducts() map[string]ProductTiers {
	return map[string]ProductTiers{
		DefaultProductID: {
			DefaultTier: TierPersonal,
			Known: map[Tier]Entitlement{
				TierTrial: {
					Tier:     TierTrial,
					Features: []string{"basic_editing", "export_jpeg"},
					Limits:   map[string]int{"batch_size": 10, "exports_per_day": 25},
				},
				TierPersonal: {
					Tier:     TierPersonal,
					Features: []string{"basic_editing", "export_jpeg", "export_png", "presets"},
					Limits:   map[string]int{"batch_size": 100},
				},
				TierPro: {
					Tier:     TierPro,
					Features: []string{"basic_editing", "export_jpeg", "export_png", "export_tiff", "presets", "raw_processing", "watermarking", "scripting"},
					Limits:   map[string]int{"batch_size": 2000},
				},
				TierEnterprise: {
					Tier:     TierEnterprise,
					Features: []string{"basic_editing", "export_jpeg", "export_png", "export_tiff", "presets", "raw_processing", "watermarking", "scripting", "priority_support", "sso"},
					Limits:   map[string]int{"batch_size": 50000},
				},
				TierLifetime: {
					Tier:     TierLifetime,
					Features: []string{"basic_editing", "export_jpeg", "export_png", "export_tiff", "presets", "raw_processing", "watermarking", "scripting"},
					Limits:   map[string]int{"batch_size": 2000},
				},
			},
		},
	}
}
