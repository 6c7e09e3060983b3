package clinical

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules are the keyword sets that drive OBX and NTE classification. OBX
// keywords are matched against the observation type (OBX-3), NTE markers
// against the note text. Matching is a case-insensitive substring test.
type Rules struct {
	Discharge        []string `yaml:"discharge"`
	Finding          []string `yaml:"finding"`
	Impression       []string `yaml:"impression"`
	Recommendation   []string `yaml:"recommendation"`
	DischargeMarkers []string `yaml:"dischargeMarkers"`
}

// DefaultRules returns the built-in keyword sets.
func DefaultRules() Rules {
	return Rules{
		Discharge:        []string{"DISCHARGE", "18842-5"},
		Finding:          []string{"FINDING", "RESULT"},
		Impression:       []string{"IMPRESSION", "CONCLUSION"},
		Recommendation:   []string{"RECOMMEND", "SUGGEST"},
		DischargeMarkers: []string{"DISCHARGE SUMMARY", "DISCHARGE INSTRUCTIONS", "DISCHARGE DIAGNOSIS"},
	}
}

// LoadRules reads keyword overrides from a YAML file. Sets left out of the
// file keep their defaults:
//
//	finding: [FINDING, RESULT, OBSERVATION]
//	dischargeMarkers: [DISCHARGE SUMMARY]
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read classifier rules: %w", err)
	}

	var override Rules
	if err := yaml.Unmarshal(data, &override); err != nil {
		return rules, fmt.Errorf("parse classifier rules %s: %w", path, err)
	}

	rules.merge(override)
	if err := rules.Validate(); err != nil {
		return rules, fmt.Errorf("classifier rules %s: %w", path, err)
	}
	return rules, nil
}

func (r *Rules) merge(o Rules) {
	if o.Discharge != nil {
		r.Discharge = o.Discharge
	}
	if o.Finding != nil {
		r.Finding = o.Finding
	}
	if o.Impression != nil {
		r.Impression = o.Impression
	}
	if o.Recommendation != nil {
		r.Recommendation = o.Recommendation
	}
	if o.DischargeMarkers != nil {
		r.DischargeMarkers = o.DischargeMarkers
	}
}

// Validate rejects blank keywords, which would match every value.
func (r Rules) Validate() error {
	sets := map[string][]string{
		"discharge":        r.Discharge,
		"finding":          r.Finding,
		"impression":       r.Impression,
		"recommendation":   r.Recommendation,
		"dischargeMarkers": r.DischargeMarkers,
	}
	for name, words := range sets {
		for _, w := range words {
			if strings.TrimSpace(w) == "" {
				return fmt.Errorf("%s contains an empty keyword", name)
			}
		}
	}
	return nil
}

// containsAny reports whether upper (already upper-cased) contains any of
// the keywords, compared case-insensitively.
func containsAny(upper string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(upper, strings.ToUpper(k)) {
			return true
		}
	}
	return false
}
