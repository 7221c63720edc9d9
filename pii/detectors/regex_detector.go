package detectors

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

type labelledRegexp struct {
	label string
	re    *regexp.Regexp
}

// RegexDetector implements Detector using regular expressions. A pattern
// with capture groups reports its first group instead of the whole match.
type RegexDetector struct {
	patterns []labelledRegexp
}

// NewRegexDetector compiles patterns and panics on an invalid one. Use
// CompileRegexDetector for user-supplied patterns.
func NewRegexDetector(patterns map[string]string) *RegexDetector {
	d, err := CompileRegexDetector(patterns)
	if err != nil {
		panic(err)
	}
	return d
}

// CompileRegexDetector compiles patterns, returning the first error.
func CompileRegexDetector(patterns map[string]string) (*RegexDetector, error) {
	labels := make([]string, 0, len(patterns))
	for label := range patterns {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	compiled := make([]labelledRegexp, 0, len(labels))
	for _, label := range labels {
		re, err := regexp.Compile(patterns[label])
		if err != nil {
			return nil, fmt.Errorf("invalid pattern for %s: %w", label, err)
		}
		compiled = append(compiled, labelledRegexp{label: label, re: re})
	}
	return &RegexDetector{patterns: compiled}, nil
}

// GetName returns the name of this detector
func (r *RegexDetector) GetName() string {
	return DetectorNameRegex
}

// Detect processes the input and returns detected entities
func (r *RegexDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	var entities []Entity

	for _, p := range r.patterns {
		if err := ctx.Err(); err != nil {
			return DetectorOutput{}, err
		}
		for _, match := range p.re.FindAllStringSubmatchIndex(input.Text, -1) {
			startPos, endPos := match[0], match[1]
			if len(match) >= 4 && match[2] >= 0 {
				startPos, endPos = match[2], match[3]
			}
			if startPos == endPos {
				continue
			}
			entities = append(entities, Entity{
				Text:       input.Text[startPos:endPos],
				Label:      p.label,
				StartPos:   startPos,
				EndPos:     endPos,
				Confidence: 1.0,
			})
		}
	}

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// Close implements the Detector interface
func (r *RegexDetector) Close() error {
	// Regex detector doesn't need cleanup
	return nil
}
