// Package resource provides the JSON resource value shared by every other
// internal package.
//
// A Resource is a decoded JSON object. Numbers are kept as json.Number so
// decimal precision survives a round trip through the engine and the stores.
// resource imports nothing internal.
package resource
