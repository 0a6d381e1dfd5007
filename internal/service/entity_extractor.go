package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

var bodySchemaHint = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"height_m":  map[string]any{"type": []any{"number", "null"}},
		"weight_kg": map[string]any{"type": []any{"number", "null"}},
	},
}

var medicationSchemaHint = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"medications": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required": []any{"medications"},
}

// EntityExtractor fills fields the deterministic parsers could not find by
// asking the NL service. Deterministic values are never overwritten.
type EntityExtractor struct {
	nl      domain.NLService
	logger  *logrus.Logger
	timeout time.Duration
}

// NewEntityExtractor returns nil when nl is nil so callers can pass the
// result straight to NewResponseValidator.
func NewEntityExtractor(nl domain.NLService, logger *logrus.Logger, timeout time.Duration) *EntityExtractor {
	if nl == nil {
		return nil
	}
	return &EntityExtractor{nl: nl, logger: logger, timeout: timeout}
}

// FillBodyMeasures returns partial with any missing height or weight filled
// from the NL service. Errors leave partial unchanged.
func (e *EntityExtractor) FillBodyMeasures(ctx context.Context, raw string, partial bodyReading) bodyReading {
	var missing []string
	if partial.HeightM == 0 {
		missing = append(missing, "height in meters (height_m)")
	}
	if partial.WeightKg == 0 {
		missing = append(missing, "weight in kilograms (weight_kg)")
	}
	if len(missing) == 0 {
		return partial
	}

	prompt := fmt.Sprintf(
		"Extract the person's %s from the reply below. Convert units. Use null for anything not stated.\n\nReply: %q",
		strings.Join(missing, " and "), raw)
	out, err := e.nl.ExtractStructured(ctx, prompt, bodySchemaHint, e.timeout)
	if err != nil {
		e.logger.WithError(err).Warn("Height/weight extraction failed, keeping deterministic result")
		return partial
	}

	filled := partial
	if filled.HeightM == 0 {
		if h, ok := numberField(out, "height_m"); ok && h > 0.5 && h < 3 {
			filled.HeightM = h
		}
	}
	if filled.WeightKg == 0 {
		if w, ok := numberField(out, "weight_kg"); ok && w > 0 {
			filled.WeightKg = w
		}
	}
	e.logger.WithFields(logrus.Fields{
		"height_filled": partial.HeightM == 0 && filled.HeightM > 0,
		"weight_filled": partial.WeightKg == 0 && filled.WeightKg > 0,
	}).Debug("Filled body measures from NL extraction")
	return filled
}

// ExtractMedications asks the NL service for medication names in raw.
func (e *EntityExtractor) ExtractMedications(ctx context.Context, raw string) []string {
	prompt := fmt.Sprintf(
		"List the medication names mentioned in the reply below as lower-case generic names. "+
			"Return an empty list if none are mentioned.\n\nReply: %q", raw)
	out, err := e.nl.ExtractStructured(ctx, prompt, medicationSchemaHint, e.timeout)
	if err != nil {
		e.logger.WithError(err).Warn("Medication extraction failed")
		return nil
	}

	items, ok := out["medications"].([]any)
	if !ok {
		return nil
	}
	var names []string
	seen := make(map[string]bool)
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			names = append(names, s)
		}
	}
	return names
}

func numberField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		return parseNumber(v)
	}
	return 0, false
}
