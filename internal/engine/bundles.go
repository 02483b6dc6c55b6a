package engine

import (
	"net/http"
	"strconv"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
	"github.com/roach88/bundled/internal/search"
	"github.com/roach88/bundled/internal/store"
)

// historyBundle renders versions, newest first, as a history Bundle.
func historyBundle(versions []store.Version) resource.Resource {
	entries := make([]any, 0, len(versions))
	for _, v := range versions {
		url := v.ResourceType + "/" + v.ID
		if v.Method == http.MethodPost {
			url = v.ResourceType
		}
		status := http.StatusOK
		if v.VersionID == 1 {
			status = http.StatusCreated
		}
		entry := map[string]any{
			"fullUrl": resource.Reference(v.ResourceType, v.ID),
			"request": map[string]any{
				"method": v.Method,
				"url":    url,
			},
			"response": map[string]any{
				"status":       strconv.Itoa(status),
				"etag":         bundle.Etag(v.VersionID),
				"lastModified": resource.FormatInstant(v.LastUpdated),
			},
		}
		if v.Resource != nil {
			entry["resource"] = map[string]any(v.Resource)
		}
		entries = append(entries, entry)
	}
	return resource.Resource{
		"resourceType": "Bundle",
		"type":         "history",
		"total":        len(versions),
		"entry":        entries,
	}
}

// searchsetBundle renders matches as a searchset Bundle. total counts
// every match; _count only limits the entries.
func searchsetBundle(op bundle.Search, q *search.Query, found []store.Version) resource.Resource {
	total := len(found)
	if q.HasCount && len(found) > q.Count {
		found = found[:q.Count]
	}
	entries := make([]any, 0, len(found))
	for _, v := range found {
		entries = append(entries, map[string]any{
			"fullUrl":  resource.Reference(v.ResourceType, v.ID),
			"resource": map[string]any(v.Resource),
			"search":   map[string]any{"mode": "match"},
		})
	}
	self := op.ResourceType
	if q.Raw != "" {
		self += "?" + q.Raw
	}
	return resource.Resource{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        total,
		"link":         []any{map[string]any{"relation": "self", "url": self}},
		"entry":        entries,
	}
}
