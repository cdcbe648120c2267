// Package dlp finds and masks protected health information in clinical notes
// before they are sent to an external embedding service.
package dlp

import (
	"regexp"
	"sort"
)

type Position struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Type  string `json:"type"`
}

type Result struct {
	Detected   bool       `json:"detected"`
	Confidence float64    `json:"confidence"`
	PHITypes   []string   `json:"phi_types"`
	Positions  []Position `json:"positions"`
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

type Detector struct {
	rules []compiledRule
}

func NewDetector(cfg RulesConfig) (*Detector, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return &Detector{rules: compiled}, nil
}

func (d *Detector) Detect(text string) Result {
	if d == nil {
		return Result{}
	}

	var positions []Position
	types := make(map[string]struct{})
	for _, rule := range d.rules {
		for _, match := range rule.re.FindAllStringIndex(text, -1) {
			types[rule.rule.Type] = struct{}{}
			positions = append(positions, Position{Start: match[0], End: match[1], Type: rule.rule.Type})
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Start < positions[j].Start })

	phiList := make([]string, 0, len(types))
	for t := range types {
		phiList = append(phiList, t)
	}
	sort.Strings(phiList)

	return Result{
		Detected:   len(positions) > 0,
		Confidence: confidenceScore(len(positions)),
		PHITypes:   phiList,
		Positions:  positions,
	}
}

// Sanitize masks every match. A nil detector returns text unchanged.
func (d *Detector) Sanitize(text string) string {
	if d == nil {
		return text
	}
	masked := text
	for _, rule := range d.rules {
		masked = rule.re.ReplaceAllString(masked, rule.rule.Mask)
	}
	return masked
}

func (d *Detector) SanitizeAll(texts []string) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = d.Sanitize(t)
	}
	return out
}

func confidenceScore(count int) float64 {
	switch {
	case count == 0:
		return 0
	case count == 1:
		return 0.7
	case count == 2:
		return 0.85
	default:
		return 0.95
	}
}
