package contextbuilder

import (
	"context"
	"log/slog"
)

// maxProductFetch caps how many referenced SKUs are resolved into
// product blobs for one bundle.
const maxProductFetch = 10

// ProductReader resolves a SKU to the raw product blob, typically by
// calling the catalog's product-read tool. Implementations return an
// empty map when the SKU is unknown.
type ProductReader interface {
	ReadProduct(ctx context.Context, sku string) (map[string]any, error)
}

// productKeepKeys is the whitelist of product fields that survive
// stripping. Everything else (timestamps, legacy ids, publication
// scopes, selling plans, tax metadata, presentment prices, storefront
// ids) is noise at decision time and gets dropped.
var productKeepKeys = map[string]struct{}{
	"id":                {},
	"title":             {},
	"handle":            {},
	"sku":               {},
	"vendor":            {},
	"productType":       {},
	"status":            {},
	"price":             {},
	"compareAtPrice":    {},
	"tags":              {},
	"descriptionHtml":   {},
	"inventoryQuantity": {},
	"inventoryPolicy":   {},
	"totalInventory":    {},
	"variants":          {},
	"metafields":        {},
	"images":            {},
}

// StripProduct reduces a raw product blob to the fields that matter for
// reasoning about catalog operations. Variants are stripped with the
// same whitelist, metafields keep only namespace/key/value/type, and
// images keep only url/altText. Stripping an already stripped blob is a
// no-op.
func StripProduct(product map[string]any) map[string]any {
	out := make(map[string]any, len(productKeepKeys))
	for k, v := range product {
		if _, keep := productKeepKeys[k]; !keep {
			continue
		}
		switch k {
		case "variants":
			out[k] = stripList(v, StripProduct)
		case "metafields":
			out[k] = stripList(v, stripMetafield)
		case "images":
			out[k] = stripList(v, stripImage)
		default:
			out[k] = v
		}
	}
	return out
}

func stripMetafield(field map[string]any) map[string]any {
	out := make(map[string]any, 4)
	for _, k := range []string{"namespace", "key", "value", "type"} {
		if v, ok := field[k]; ok {
			out[k] = v
		}
	}
	return out
}

func stripImage(image map[string]any) map[string]any {
	out := make(map[string]any, 2)
	for _, k := range []string{"url", "altText"} {
		if v, ok := image[k]; ok {
			out[k] = v
		}
	}
	return out
}

// stripList applies a per-element stripper to a decoded JSON list,
// passing non-map elements through untouched.
func stripList(v any, strip func(map[string]any) map[string]any) any {
	list, ok := v.([]any)
	if !ok {
		if m, ok := v.(map[string]any); ok {
			return strip(m)
		}
		return v
	}
	out := make([]any, len(list))
	for i, item := range list {
		if m, ok := item.(map[string]any); ok {
			out[i] = strip(m)
		} else {
			out[i] = item
		}
	}
	return out
}

// fetchProducts resolves up to maxProductFetch SKUs referenced by the
// task into stripped product blobs. Lookup failures are logged and
// skipped so a missing product never fails a build.
func (b *Builder) fetchProducts(ctx context.Context, task string) []map[string]any {
	if b.products == nil {
		return nil
	}
	skus := skuTokens(task)
	if len(skus) > maxProductFetch {
		skus = skus[:maxProductFetch]
	}

	var blobs []map[string]any
	for _, sku := range skus {
		if ctx.Err() != nil {
			break
		}
		blob, err := b.products.ReadProduct(ctx, sku)
		if err != nil {
			slog.Warn("Product lookup failed", "sku", sku, "error", err)
			continue
		}
		if len(blob) == 0 {
			continue
		}
		blobs = append(blobs, StripProduct(blob))
	}
	return blobs
}
