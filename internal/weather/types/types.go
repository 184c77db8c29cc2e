package types

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Record is one current-weather observation for a city. Values are treated as
// immutable once built.
type Record struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Description string  `json:"description"`
	Humidity    int     `json:"humidity"`
	// ObservedAt is an RFC 3339 timestamp in UTC.
	ObservedAt string `json:"timestamp"`
}

// BatchResult is the outcome of a batch lookup. Cities that could not be
// served are absent from Results; no per-city error is reported.
type BatchResult struct {
	Results            []Record `json:"results"`
	TotalCities        int      `json:"total_cities"`
	SuccessfulRequests int      `json:"successful_requests"`
}

// NormalizeCity trims surrounding whitespace and title-cases every word, so
// "  seoul ", "Seoul" and "SEOUL" all normalize to "Seoul".
//
// No Unicode normal-form folding is applied: precomposed and decomposed
// spellings of the same name stay distinct.
func NormalizeCity(city string) string {
	// cases.Caser is stateful and must not be shared between goroutines.
	return cases.Title(language.Und).String(strings.TrimSpace(city))
}

// UniqueCities removes repeated names, keeping the first occurrence order.
func UniqueCities(cities []string) []string {
	seen := make(map[string]struct{}, len(cities))
	out := make([]string, 0, len(cities))
	for _, c := range cities {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

type credentialKey struct{}

// WithCredential attaches the upstream provider credential to ctx.
func WithCredential(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, credentialKey{}, apiKey)
}

// CredentialFrom returns the provider credential carried by ctx, if any.
func CredentialFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(credentialKey{}).(string)
	return key, ok && key != ""
}
