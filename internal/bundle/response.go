package bundle

import (
	"strconv"

	"github.com/roach88/bundled/internal/resource"
)

// Response is the mode-paired response envelope. Entry i answers request
// entry i.
type Response struct {
	ResourceType string          `json:"resourceType"`
	Type         string          `json:"type"`
	Entry        []ResponseEntry `json:"entry"`
}

// ResponseEntry is the outcome of one request entry.
type ResponseEntry struct {
	Resource resource.Resource `json:"resource,omitempty"`
	Response EntryResponse     `json:"response"`
}

// EntryResponse carries status and mutation metadata. Outcome is set for
// failed entries instead of a domain resource.
type EntryResponse struct {
	Status       string            `json:"status"`
	Location     string            `json:"location,omitempty"`
	Etag         string            `json:"etag,omitempty"`
	LastModified string            `json:"lastModified,omitempty"`
	Outcome      resource.Resource `json:"outcome,omitempty"`
}

// Code returns the numeric status, or 0 when unparseable.
func (r EntryResponse) Code() int {
	n, _ := strconv.Atoi(r.Status)
	return n
}

// StatusText renders a numeric status the way response entries carry it.
func StatusText(code int) string {
	return strconv.Itoa(code)
}

// Etag renders a weak entity tag for a version.
func Etag(version int) string {
	return `W/"` + strconv.Itoa(version) + `"`
}

// Location renders the versioned location of a resource.
func Location(resourceType, id string, version int) string {
	return resourceType + "/" + id + "/_history/" + strconv.Itoa(version)
}
