package detectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CompositeDetector runs several detectors over the same text and returns
// the union of their entities. Any member failure fails the whole call.
type CompositeDetector struct {
	members []Detector
}

func NewCompositeDetector(members ...Detector) *CompositeDetector {
	return &CompositeDetector{members: members}
}

// GetName returns the member names joined with '+'
func (c *CompositeDetector) GetName() string {
	names := make([]string, len(c.members))
	for i, m := range c.members {
		names[i] = m.GetName()
	}
	return DetectorNameComposite + "(" + strings.Join(names, "+") + ")"
}

func (c *CompositeDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	out := DetectorOutput{Text: input.Text}
	for _, m := range c.members {
		res, err := m.Detect(ctx, input)
		if err != nil {
			return DetectorOutput{}, fmt.Errorf("%s: %w", m.GetName(), err)
		}
		out.Entities = append(out.Entities, res.Entities...)
	}
	return out, nil
}

func (c *CompositeDetector) Close() error {
	var errs []error
	for _, m := range c.members {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.GetName(), err))
		}
	}
	return errors.Join(errs...)
}
