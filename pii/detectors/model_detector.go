package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ModelDetector calls an HTTP model server exposing POST /detect
type ModelDetector struct {
	baseURL string
	client  *http.Client
}

func NewModelDetector(baseURL string) *ModelDetector {
	return &ModelDetector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// GetName returns the name of this detector
func (m *ModelDetector) GetName() string {
	return DetectorNameModel
}

type modelResponse struct {
	Entities []struct {
		Text       string  `json:"text"`
		Label      string  `json:"label"`
		StartPos   float64 `json:"start_pos"`
		EndPos     float64 `json:"end_pos"`
		Confidence float64 `json:"confidence"`
	} `json:"entities"`
}

// Detect processes the input and returns detected entities
func (m *ModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	jsonData, err := json.Marshal(input)
	if err != nil {
		return DetectorOutput{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/detect", bytes.NewReader(jsonData))
	if err != nil {
		return DetectorOutput{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := m.client.Do(req)
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("model server request failed: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return DetectorOutput{}, fmt.Errorf("model server returned %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	entities, err := convertResponseToEntities(response.Body, input.Text)
	if err != nil {
		return DetectorOutput{}, err
	}

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// convertResponseToEntities decodes the model server payload and drops
// spans that do not fit the input text.
func convertResponseToEntities(body io.Reader, text string) ([]Entity, error) {
	var resp modelResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}

	entities := make([]Entity, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		start, end := int(e.StartPos), int(e.EndPos)
		if start < 0 || end > len(text) || start >= end {
			continue
		}
		entities = append(entities, Entity{
			Text:       text[start:end],
			Label:      e.Label,
			StartPos:   start,
			EndPos:     end,
			Confidence: e.Confidence,
		})
	}
	return entities, nil
}

// Close implements the Detector interface
func (m *ModelDetector) Close() error {
	// Model detector doesn't need cleanup
	return nil
}
