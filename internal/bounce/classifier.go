// Package bounce classifies delivery failures and applies the suppression policy.
package bounce

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"campaign-lifecycle/internal/models"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Class is the outcome of classifying one bounce event.
type Class string

const (
	Hard Class = "hard"
	Soft Class = "soft"
)

type patternFile struct {
	Hard []string `yaml:"hard"`
}

// Classifier decides hard vs soft for a bounce event.
type Classifier struct {
	hard []*regexp.Regexp
}

// LoadPatterns compiles a YAML pattern file.
func LoadPatterns(data []byte) (*Classifier, error) {
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse bounce patterns: %w", err)
	}
	c := &Classifier{}
	for _, p := range pf.Hard {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile bounce pattern %q: %w", p, err)
		}
		c.hard = append(c.hard, re)
	}
	return c, nil
}

// DefaultClassifier uses the patterns shipped with the binary.
func DefaultClassifier() *Classifier {
	c, err := LoadPatterns(defaultPatterns)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify applies the rules in order: permanent or blocked events are hard, then
// reasons matching an address-invalid phrase are hard, everything else is soft.
func (c *Classifier) Classify(ev models.BounceEvent) Class {
	if ev.Permanent || ev.Blocked {
		return Hard
	}
	for _, re := range c.hard {
		if re.MatchString(ev.Reason) {
			return Hard
		}
	}
	return Soft
}
