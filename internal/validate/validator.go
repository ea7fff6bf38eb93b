package validate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/domain/model"
	"github.com/tezland/metadata-indexer/internal/metrics"
)

const defaultGridSize = 100.0

// Fingerprint returns the lowercase hex SHA-256 of the raw payload bytes.
// It is computed over bytes, never over parsed structure, so byte-identical
// inputs always share a fingerprint.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Validator turns raw payload bytes into a NormalizedRecord. It never
// returns an error: parse failures produce Invalid records, field-level
// problems produce PartiallyValid records with per-field defects.
type Validator struct {
	gridSize float64
	logger   *slog.Logger
	nowFn    func() time.Time
}

type Option func(*Validator)

func WithGridSize(size float64) Option {
	return func(v *Validator) {
		if size > 0 {
			v.gridSize = size
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger.With("component", "validate")
		}
	}
}

func New(opts ...Option) *Validator {
	v := &Validator{
		gridSize: defaultGridSize,
		logger:   slog.Default().With("component", "validate"),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func (v *Validator) Validate(payload event.RawPayload, token model.TokenID) model.NormalizedRecord {
	start := v.nowFn()
	rec := model.NormalizedRecord{
		Token:         token,
		Fingerprint:   Fingerprint(payload.Bytes),
		SchemaVersion: schemaFor(token.Kind),
		SizeBytes:     len(payload.Bytes),
		FetchedVia:    payload.Gateway,
		FetchedAt:     payload.FetchedAt,
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload.Bytes, &top); err != nil {
		rec.Validity = model.ValidityInvalid
		rec.InvalidReason = fmt.Sprintf("parse error: %v", err)
		v.observe(token.Kind, rec, start)
		return rec
	}
	if top == nil {
		rec.Validity = model.ValidityInvalid
		rec.InvalidReason = "parse error: document is null"
		v.observe(token.Kind, rec, start)
		return rec
	}

	d := &decoder{top: top}
	fields := make(map[string]any)
	switch token.Kind {
	case model.KindItem:
		v.validateItem(d, fields)
	case model.KindPlace:
		v.validatePlace(d, fields)
	case model.KindCollection:
		v.validateCollection(d, fields)
	default:
		rec.Validity = model.ValidityInvalid
		rec.InvalidReason = fmt.Sprintf("unknown token kind %q", token.Kind)
		v.observe(token.Kind, rec, start)
		return rec
	}

	rec.Fields = fields
	rec.Defects = d.defects
	rec.Extensions = extensionsFor(top, token.Kind)
	if len(d.defects) == 0 {
		rec.Validity = model.ValidityValid
	} else {
		rec.Validity = model.ValidityPartial
	}

	v.observe(token.Kind, rec, start)
	return rec
}

func (v *Validator) observe(kind model.TokenKind, rec model.NormalizedRecord, start time.Time) {
	metrics.ValidationsTotal.WithLabelValues(kind.String(), string(rec.Validity)).Inc()
	metrics.ValidationLatency.WithLabelValues(kind.String()).Observe(v.nowFn().Sub(start).Seconds())
	metrics.PayloadSizeBytes.WithLabelValues(kind.String()).Observe(float64(rec.SizeBytes))
	if rec.Validity != model.ValidityValid {
		v.logger.Debug("payload did not validate clean",
			"token", rec.Token.String(),
			"kind", kind.String(),
			"validity", string(rec.Validity),
			"defects", len(rec.Defects),
			"reason", rec.InvalidReason,
		)
	}
}

func (v *Validator) validateCollection(d *decoder, fields map[string]any) {
	if name, ok := d.requiredString("name"); ok {
		fields["name"] = name
	}
	if desc, ok := d.requiredString("description"); ok {
		fields["description"] = desc
	}
	if ud, ok := d.optionalString("userDescription"); ok {
		fields["userDescription"] = ud
	}
	if tags, ok := d.optionalStringSlice("tags"); ok {
		fields["tags"] = normalizeTags(tags)
	}
}

func (v *Validator) validatePlace(d *decoder, fields map[string]any) {
	fields["name"] = d.stringOr("name", "")
	fields["description"] = d.stringOr("description", "")
	if pt, ok := d.requiredString("placeType"); ok {
		fields["placeType"] = pt
	}
	if bh, ok := d.requiredNumber("buildHeight"); ok {
		fields["buildHeight"] = bh
	}
	if border, ok := d.requiredAny("borderCoordinates"); ok {
		fields["borderCoordinates"] = border
	}
	if center, ok := d.requiredFloatSlice("centerCoordinates"); ok {
		if len(center) < 3 {
			d.malformed("centerCoordinates", fmt.Sprintf("expected 3 coordinates, got %d", len(center)))
		} else {
			fields["centerCoordinates"] = center
			fields["gridCell"] = gridCellHash(center[0], center[1], center[2], v.gridSize)
		}
	}
}

func (v *Validator) validateItem(d *decoder, fields map[string]any) {
	fields["name"] = d.stringOr("name", "")
	fields["description"] = d.stringOr("description", "")
	if s, ok := d.optionalString("thumbnailUri"); ok {
		fields["thumbnailUri"] = s
	}
	if s, ok := d.optionalString("displayUri"); ok {
		fields["displayUri"] = s
	}
	if pc, ok := d.requiredInt("polygonCount"); ok {
		fields["polygonCount"] = pc
	}
	if bs, ok := d.requiredNumber("baseScale"); ok {
		fields["baseScale"] = bs
	}
	if tags, ok := d.requiredStringSlice("tags"); ok {
		fields["tags"] = normalizeTags(tags)
	}

	artifactURI, artOK := d.requiredString("artifactUri")
	if artOK {
		fields["artifactUri"] = artifactURI
		d.matchFormat(artifactURI, fields)
	}

	mime, _ := fields["mimeType"].(string)
	if isImageMime(mime) {
		if _, hasW := fields["width"]; !hasW {
			d.malformed("formats", "image artifact has no pixel dimensions")
		}
		if frame, ok := d.requiredAny("imageFrame"); ok {
			fields["imageFrame"] = frame
		}
	}
}

type formatEntry struct {
	URI        *string `json:"uri"`
	MimeType   *string `json:"mimeType"`
	FileSize   *int64  `json:"fileSize"`
	Dimensions *struct {
		Value string `json:"value"`
		Unit  string `json:"unit"`
	} `json:"dimensions"`
}

// matchFormat locates the formats entry describing the artifact and lifts
// its mime type, file size, and pixel dimensions into fields.
func (d *decoder) matchFormat(artifactURI string, fields map[string]any) {
	raw, ok := d.present("formats")
	if !ok {
		d.missing("formats")
		return
	}
	var entries []formatEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		d.malformed("formats", "expected an array of format objects")
		return
	}

	var match *formatEntry
	for i := range entries {
		if entries[i].URI != nil && *entries[i].URI == artifactURI {
			match = &entries[i]
			break
		}
	}
	if match == nil {
		d.malformed("formats", "no entry matches artifactUri")
		return
	}

	switch {
	case match.MimeType == nil:
		d.malformed("formats", "matching entry has no mimeType")
	case !isAllowedMime(*match.MimeType):
		d.malformed("formats", fmt.Sprintf("unsupported mime type %q", *match.MimeType))
	default:
		fields["mimeType"] = *match.MimeType
	}

	if match.FileSize == nil {
		d.malformed("formats", "matching entry has no fileSize")
	} else {
		fields["fileSize"] = *match.FileSize
	}

	if match.Dimensions != nil {
		width, height, err := parseDimensions(match.Dimensions.Value, match.Dimensions.Unit)
		if err != nil {
			d.malformed("formats", err.Error())
		} else {
			fields["width"] = width
			fields["height"] = height
		}
	}
}

func parseDimensions(value, unit string) (int64, int64, error) {
	if unit != "px" {
		return 0, 0, fmt.Errorf("dimensions not in pixels: %q", unit)
	}
	parts := strings.Split(value, "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("dimensions value %q is not WxH", value)
	}
	width, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("dimensions width %q is not an integer", parts[0])
	}
	height, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("dimensions height %q is not an integer", parts[1])
	}
	return width, height, nil
}

// decoder accumulates per-field defects while pulling typed values out of
// the parsed top-level object. A JSON null is treated the same as an
// absent key.
type decoder struct {
	top     map[string]json.RawMessage
	defects []model.FieldDefect
}

func (d *decoder) missing(field string) {
	d.defects = append(d.defects, model.FieldDefect{
		Field: field, Kind: model.DefectMissing, Detail: "required field is missing",
	})
}

func (d *decoder) malformed(field, detail string) {
	d.defects = append(d.defects, model.FieldDefect{
		Field: field, Kind: model.DefectMalformed, Detail: detail,
	})
}

func (d *decoder) present(key string) (json.RawMessage, bool) {
	raw, ok := d.top[key]
	if !ok || isNull(raw) {
		return nil, false
	}
	return raw, true
}

func (d *decoder) requiredString(key string) (string, bool) {
	raw, ok := d.present(key)
	if !ok {
		d.missing(key)
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.malformed(key, "expected a string")
		return "", false
	}
	return s, true
}

func (d *decoder) optionalString(key string) (string, bool) {
	raw, ok := d.present(key)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.malformed(key, "expected a string")
		return "", false
	}
	return s, true
}

func (d *decoder) stringOr(key, fallback string) string {
	if s, ok := d.optionalString(key); ok {
		return s
	}
	return fallback
}

func (d *decoder) requiredNumber(key string) (float64, bool) {
	raw, ok := d.present(key)
	if !ok {
		d.missing(key)
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		d.malformed(key, "expected a number")
		return 0, false
	}
	return f, true
}

func (d *decoder) requiredInt(key string) (int64, bool) {
	f, ok := d.requiredNumber(key)
	if !ok {
		return 0, false
	}
	if f != math.Trunc(f) {
		d.malformed(key, "expected an integer")
		return 0, false
	}
	return int64(f), true
}

func (d *decoder) requiredStringSlice(key string) ([]string, bool) {
	raw, ok := d.present(key)
	if !ok {
		d.missing(key)
		return nil, false
	}
	var s []string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.malformed(key, "expected an array of strings")
		return nil, false
	}
	return s, true
}

func (d *decoder) optionalStringSlice(key string) ([]string, bool) {
	raw, ok := d.present(key)
	if !ok {
		return nil, false
	}
	var s []string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.malformed(key, "expected an array of strings")
		return nil, false
	}
	return s, true
}

func (d *decoder) requiredFloatSlice(key string) ([]float64, bool) {
	raw, ok := d.present(key)
	if !ok {
		d.missing(key)
		return nil, false
	}
	var s []float64
	if err := json.Unmarshal(raw, &s); err != nil {
		d.malformed(key, "expected an array of numbers")
		return nil, false
	}
	return s, true
}

func (d *decoder) requiredAny(key string) (any, bool) {
	raw, ok := d.present(key)
	if !ok {
		d.missing(key)
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		d.malformed(key, "not decodable")
		return nil, false
	}
	return v, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// extensionsFor keeps every top-level key the schema does not consume,
// byte for byte as the producer wrote it.
func extensionsFor(top map[string]json.RawMessage, kind model.TokenKind) map[string]json.RawMessage {
	known := canonicalKeys[kind]
	var ext map[string]json.RawMessage
	for key, raw := range top {
		if _, ok := known[key]; ok {
			continue
		}
		if ext == nil {
			ext = make(map[string]json.RawMessage)
		}
		ext[key] = raw
	}
	return ext
}
