package crawl

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Structured extraction reads schema.org Event objects from JSON-LD blocks.
// This is the tier-A path: the source states its data, nothing is guessed.

var ldJSONRe = regexp.MustCompile(`(?is)<script[^>]+type\s*=\s*["']application/ld\+json["'][^>]*>(.*?)</script>`)

// ExtractStructured returns the events declared in JSON-LD on the page.
func ExtractStructured(html string) []Item {
	var items []Item
	for _, m := range ldJSONRe.FindAllStringSubmatch(html, -1) {
		payload := strings.TrimSpace(m[1])
		if payload == "" {
			continue
		}

		var node any
		if err := json.Unmarshal([]byte(payload), &node); err != nil {
			continue
		}
		collectEvents(node, &items)
	}
	return items
}

func collectEvents(node any, items *[]Item) {
	switch v := node.(type) {
	case []any:
		for _, child := range v {
			collectEvents(child, items)
		}
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			collectEvents(graph, items)
		}
		if isEventType(v["@type"]) {
			if item, ok := eventToItem(v); ok {
				*items = append(*items, item)
			}
		}
	}
}

func isEventType(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.Contains(v, "Event")
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && strings.Contains(s, "Event") {
				return true
			}
		}
	}
	return false
}

func eventToItem(event map[string]any) (Item, bool) {
	title := stringField(event, "name")
	if title == "" {
		return Item{}, false
	}

	item := Item{
		Title:       title,
		Description: stringField(event, "description"),
		URL:         stringField(event, "url"),
		ImageURL:    imageURL(event["image"]),
		ExternalID:  stringField(event, "@id"),
		Location:    locationText(event["location"]),
		Extraction:  "structured",
	}

	start := stringField(event, "startDate")
	end := stringField(event, "endDate")
	switch {
	case start != "" && end != "":
		item.DatetimeRaw = start + " | " + end
	case start != "":
		item.DatetimeRaw = start
	}

	return item, true
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func imageURL(v any) string {
	switch img := v.(type) {
	case string:
		return strings.TrimSpace(img)
	case []any:
		if len(img) > 0 {
			return imageURL(img[0])
		}
	case map[string]any:
		return stringField(img, "url")
	}
	return ""
}

func locationText(v any) string {
	switch loc := v.(type) {
	case string:
		return strings.TrimSpace(loc)
	case []any:
		if len(loc) > 0 {
			return locationText(loc[0])
		}
	case map[string]any:
		name := stringField(loc, "name")
		if addr := addressText(loc["address"]); addr != "" {
			if name != "" {
				return name + ", " + addr
			}
			return addr
		}
		return name
	}
	return ""
}

func addressText(v any) string {
	switch addr := v.(type) {
	case string:
		return strings.TrimSpace(addr)
	case map[string]any:
		parts := make([]string, 0, 3)
		for _, key := range []string{"streetAddress", "postalCode", "addressLocality"} {
			if s := stringField(addr, key); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
