// Package setup provides setup and configuration utilities for the standalone
// prescreening console.
package setup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/config"
	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/repository"
)

// SampleTrialID is the trial written by WriteSampleCriteria.
const SampleTrialID = "demo-t2d-001"

// ErrCriteriaExists is returned when init would overwrite a criteria file.
var ErrCriteriaExists = errors.New("criteria file already exists")

// TrialSummary counts the criteria loaded for one trial.
type TrialSummary struct {
	TrialID    string
	Inclusions int
	Exclusions int
}

// Status represents the current setup status.
type Status struct {
	DataDir         string
	DataDirExists   bool
	CriteriaPath    string
	Trials          []TrialSummary
	SessionDBPath   string
	SessionDBExists bool
	NLEnabled       bool
	Issues          []string
}

// SampleCriteria returns a small type 2 diabetes study used by init.
func SampleCriteria() []domain.Criterion {
	c := func(id string, kind domain.CriterionKind, category, text string, sortKey int) domain.Criterion {
		return domain.Criterion{
			ID: id, TrialID: SampleTrialID, Kind: kind, Category: category,
			Text: text, Required: true, SortKey: sortKey,
		}
	}
	return []domain.Criterion{
		c("inc-age", domain.INCLUSION, "demographics", "Age 18 to 75 years", 1),
		c("inc-t2d", domain.INCLUSION, "diagnosis", "Diagnosed with type 2 diabetes for at least 6 months", 2),
		c("inc-bmi", domain.INCLUSION, "measurements", "BMI between 25 and 40 kg/m2", 3),
		c("inc-a1c", domain.INCLUSION, "labs", "HbA1c between 7.0% and 10.5%", 4),
		c("exc-insulin", domain.EXCLUSION, "medications", "Use of insulin within the past 3 months", 5),
		c("exc-pregnancy", domain.EXCLUSION, "reproductive", "Pregnant or breastfeeding", 6),
		c("exc-t1d", domain.EXCLUSION, "medical_history", "History of type 1 diabetes", 7),
		c("inc-consent", domain.INCLUSION, "consent", "Able to provide informed consent", 8),
	}
}

// WriteSampleCriteria writes SampleCriteria to path. An existing file is
// kept unless overwrite is set.
func WriteSampleCriteria(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrCriteriaExists, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create criteria directory: %w", err)
	}

	data, err := json.MarshalIndent(SampleCriteria(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sample criteria: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write criteria file: %w", err)
	}
	return nil
}

// LoadTrials loads the criteria file and summarizes it per trial.
func LoadTrials(path string) ([]TrialSummary, error) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := repository.LoadCriteriaFile(path, logger)
	if err != nil {
		return nil, err
	}

	ids := store.TrialIDs()
	sort.Strings(ids)
	out := make([]TrialSummary, 0, len(ids))
	for _, id := range ids {
		criteria, err := store.GetRequiredCriteria(context.Background(), id)
		if err != nil {
			return nil, err
		}
		summary := TrialSummary{TrialID: id}
		for _, c := range criteria {
			if c.IsInclusion() {
				summary.Inclusions++
			} else {
				summary.Exclusions++
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// GetStatus checks the current setup status.
func GetStatus(cfg *config.LiteConfig) *Status {
	status := &Status{
		DataDir:       cfg.DataDir,
		CriteriaPath:  cfg.CriteriaPath(),
		SessionDBPath: cfg.SessionDBPath(),
		NLEnabled:     cfg.NLEnabled(),
		Issues:        []string{},
	}

	if _, err := os.Stat(status.DataDir); err == nil {
		status.DataDirExists = true
	} else {
		status.Issues = append(status.Issues, fmt.Sprintf("Data directory will be created on first run: %s", status.DataDir))
	}
	if _, err := os.Stat(status.SessionDBPath); err == nil {
		status.SessionDBExists = true
	}

	trials, err := LoadTrials(status.CriteriaPath)
	if err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("Criteria file unusable: %v", err))
	}
	status.Trials = trials
	return status
}

// Validate checks if the current setup is usable by the console.
func Validate(cfg *config.LiteConfig) (bool, []string) {
	var issues []string

	trials, err := LoadTrials(cfg.CriteriaPath())
	switch {
	case err != nil:
		issues = append(issues, fmt.Sprintf("Cannot load criteria file %s: %v", cfg.CriteriaPath(), err))
	case len(trials) == 0:
		issues = append(issues, fmt.Sprintf("Criteria file %s lists no trials", cfg.CriteriaPath()))
	}

	if !cfg.NLEnabled() {
		issues = append(issues, "warning: OPENAI_API_KEY not set, free-text answers the rules cannot settle will need review")
	}
	if cfg.TurnTimeout <= 0 {
		issues = append(issues, "Turn timeout must be positive")
	}

	return len(issues) == 0 || allWarnings(issues), issues
}

// allWarnings returns true if all issues are just warnings (not errors).
func allWarnings(issues []string) bool {
	for _, issue := range issues {
		if !strings.HasPrefix(issue, "warning:") {
			return false
		}
	}
	return true
}
