package match

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Dedupe-key contracts.
//
// Source keys ("v1|<sha256>") identify a raw item within one source: two crawl
// runs that see the same event produce the same key, so re-crawls upsert
// instead of duplicating. Canonical keys ("c1|<sha256>") are cross-source:
// the same real-world happening resolves to the same key regardless of which
// source contributed it.
//
// Time-of-day never enters a key. A date-only row and a datetime row for the
// same event on the same day carry the same key on purpose; date_precision
// distinguishes them, the key is about identity.

const (
	SourceKeyVersion    = "v1"
	CanonicalKeyVersion = "c1"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ComputeDedupeKey derives the per-source dedupe key for a raw item.
//
// Primary path (content-based) requires title and start date; the seed is
// source|title|date|location after normalization. Fallbacks hash an external
// identifier or the item URL. Returns an error when no key can be derived.
func ComputeDedupeKey(sourceID, title, startDateLocal, location, itemURL, externalID string) (string, error) {
	titleKey := NormalizeTitle(title)
	dateKey := strings.TrimSpace(startDateLocal)
	locKey := NormalizeVenue(location)

	if titleKey != "" && dateKey != "" {
		seed := strings.Join([]string{sourceID, titleKey, dateKey, locKey}, "|")
		return SourceKeyVersion + "|" + sha256Hex(seed), nil
	}

	if externalID != "" {
		return SourceKeyVersion + "|" + sha256Hex(sourceID+"|ext|"+externalID), nil
	}

	if itemURL != "" {
		return SourceKeyVersion + "|" + sha256Hex(sourceID+"|url|"+itemURL), nil
	}

	return "", fmt.Errorf("cannot compute dedupe key: missing content and identifiers for source %s", sourceID)
}

// ComputeCanonicalKey derives the cross-source identity key for a happening.
//
// Seed: kind|normalized_title|date_anchor|location_anchor. The date anchor is
// the ISO start date if known, else the start timestamp converted to the
// given location, else "unknown-date". The location anchor is the venue id,
// else "online", else "unknown-location".
func ComputeCanonicalKey(kind, title, startDate string, startAt *time.Time, loc *time.Location, venueID string, online bool) string {
	if kind == "" {
		kind = "event"
	}

	dateAnchor := strings.TrimSpace(startDate)
	if dateAnchor == "" && startAt != nil {
		at := *startAt
		if loc != nil {
			at = at.In(loc)
		}
		dateAnchor = at.Format("2006-01-02")
	}
	if dateAnchor == "" {
		dateAnchor = "unknown-date"
	}

	locationAnchor := strings.TrimSpace(venueID)
	if locationAnchor == "" {
		if online {
			locationAnchor = "online"
		} else {
			locationAnchor = "unknown-location"
		}
	}

	seed := strings.Join([]string{kind, NormalizeTitle(title), dateAnchor, locationAnchor}, "|")
	return CanonicalKeyVersion + "|" + sha256Hex(seed)
}

// ComputeFingerprint derives a short content fingerprint for a source row,
// used to key review entries. Uses the local start date, not the timestamp,
// so date-only rows fingerprint identically to timed ones.
func ComputeFingerprint(titleRaw, startDateLocal, locationRaw string) string {
	parts := make([]string, 0, 3)
	if t := NormalizeTitle(titleRaw); t != "" {
		parts = append(parts, t)
	}
	if d := strings.TrimSpace(startDateLocal); d != "" {
		parts = append(parts, d)
	}
	if v := NormalizeVenue(locationRaw); v != "" {
		parts = append(parts, v)
	}
	return sha256Hex(strings.Join(parts, "|"))[:32]
}

// ComputeContentHash fingerprints the full raw payload of a source row. A
// re-crawl that sees byte-identical content produces the same hash, which
// marks the refresh as a content no-op.
func ComputeContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ComputeChangeKey derives the idempotency key for one field transition on a
// happening. The contributing source row is excluded so the same logical
// change from any source produces the same key.
func ComputeChangeKey(happeningUUID, fieldName, oldValue, newValue string) string {
	seed := strings.Join([]string{happeningUUID, fieldName, oldValue, newValue}, "|")
	return sha256Hex(seed)
}
