package validate

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/tezland/metadata-indexer/internal/domain/model"
)

// Schema family versions persisted with every record. Bump when the
// canonical field set for a kind changes shape.
const (
	SchemaItem       = "item/1"
	SchemaPlace      = "place/1"
	SchemaCollection = "collection/1"
)

// Mime types accepted for item artifacts.
var (
	gltfMimeTypes  = []string{"model/gltf-binary", "model/gltf+json"}
	imageMimeTypes = []string{"image/png", "image/jpeg"}
)

func isGLTFMime(mime string) bool {
	for _, m := range gltfMimeTypes {
		if m == mime {
			return true
		}
	}
	return false
}

func isImageMime(mime string) bool {
	for _, m := range imageMimeTypes {
		if m == mime {
			return true
		}
	}
	return false
}

func isAllowedMime(mime string) bool {
	return isGLTFMime(mime) || isImageMime(mime)
}

func schemaFor(kind model.TokenKind) string {
	switch kind {
	case model.KindItem:
		return SchemaItem
	case model.KindPlace:
		return SchemaPlace
	case model.KindCollection:
		return SchemaCollection
	default:
		return ""
	}
}

// canonicalKeys lists the top-level keys the validator consumes per kind.
// Anything else lands in the extensions bucket untouched.
var canonicalKeys = map[model.TokenKind]map[string]struct{}{
	model.KindItem: {
		"name": {}, "description": {}, "tags": {},
		"artifactUri": {}, "thumbnailUri": {}, "displayUri": {},
		"polygonCount": {}, "baseScale": {}, "formats": {}, "imageFrame": {},
	},
	model.KindPlace: {
		"name": {}, "description": {},
		"placeType": {}, "buildHeight": {},
		"centerCoordinates": {}, "borderCoordinates": {},
	},
	model.KindCollection: {
		"name": {}, "description": {}, "userDescription": {}, "tags": {},
	},
}

// toGrid buckets a world coordinate into a grid cell index. Zero and
// positive coordinates shift up by one so cell 0 is never produced; the
// negative side mirrors it.
func toGrid(coordinate, gridSize float64) int64 {
	sign := int64(1)
	if coordinate < 0 {
		sign = -1
	}
	return int64(math.Trunc(coordinate/gridSize)) + sign
}

// gridCellHash derives the spatial bucket identifier for a place from its
// center coordinates.
func gridCellHash(x, y, z, gridSize float64) string {
	sum := sha1.Sum(fmt.Appendf(nil, "%d-%d-%d",
		toGrid(x, gridSize), toGrid(y, gridSize), toGrid(z, gridSize)))
	return hex.EncodeToString(sum[:])
}

// normalizeTags splits every entry on commas, trims whitespace, lowercases,
// drops empties, and dedupes while preserving first-seen order. Producers
// routinely pack several tags into one string.
func normalizeTags(raw []string) []string {
	tags := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, entry := range raw {
		for _, split := range strings.Split(entry, ",") {
			tag := strings.ToLower(strings.TrimSpace(split))
			if tag == "" {
				continue
			}
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags
}
