package engine

import (
	"encoding/base64"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/roach88/bundled/internal/resource"
)

const patchContentType = "application/json-patch+json"

// patchDocument extracts the JSON Patch carried by a Binary body.
func patchDocument(body resource.Resource) ([]byte, error) {
	if body.Type() != "Binary" {
		return nil, NewInvalidResourceError(nil, "Patch body must be a Binary resource with contentType %s, found '%s'", patchContentType, body.Type())
	}
	ct, _ := body["contentType"].(string)
	if mt, _, _ := strings.Cut(ct, ";"); strings.TrimSpace(mt) != patchContentType {
		return nil, NewInvalidResourceError(nil, "Unsupported patch content type '%s'; expected %s", ct, patchContentType)
	}
	data, _ := body["data"].(string)
	doc, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(doc) == 0 {
		return nil, NewInvalidResourceError(nil, "Binary.data must hold a base64 encoded JSON Patch document")
	}
	if _, err := jsonpatch.DecodePatch(doc); err != nil {
		return nil, NewInvalidResourceError(nil, "Invalid JSON Patch document: %s", err.Error())
	}
	return doc, nil
}

// applyPatch applies doc to current and decodes the result.
func applyPatch(current resource.Resource, doc []byte) (resource.Resource, error) {
	patch, err := jsonpatch.DecodePatch(doc)
	if err != nil {
		return nil, NewInvalidResourceError(nil, "Invalid JSON Patch document: %s", err.Error())
	}
	src, err := current.Marshal()
	if err != nil {
		return nil, NewInternalError(err)
	}
	out, err := patch.Apply(src)
	if err != nil {
		return nil, NewInvalidResourceError(nil, "Failed to apply JSON Patch: %s", err.Error())
	}
	patched, err := resource.Decode(out)
	if err != nil {
		return nil, NewInvalidResourceError(nil, "JSON Patch produced an invalid resource: %s", err.Error())
	}
	return patched, nil
}
