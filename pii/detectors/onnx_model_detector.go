package detectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

const (
	// maxSeqLen matches the model's max_position_embeddings.
	maxSeqLen = 512
	// chunkOverlap tokens are shared by consecutive chunks of long texts.
	chunkOverlap = 64
	// Tokens below this probability are treated as outside any entity.
	minTokenConfidence = 0.3
)

// ONNXModelDetector runs a token-classification model exported to ONNX.
// Inference reuses preallocated tensors, so calls are serialised.
type ONNXModelDetector struct {
	mu           sync.Mutex
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[string]string
	numPIILabels int
	modelPath    string
}

// tokenChunk is a window of at most maxSeqLen tokens.
type tokenChunk struct {
	tokenIDs        []uint32
	offsets         []tokenizers.Offset
	startTokenIndex int
	isFirst         bool
	isLast          bool
}

type tokenLabel struct {
	label      string
	confidence float64
}

// safeUintToInt safely converts a uint to int with bounds checking
// Returns maxInt if the value would overflow
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - Safe conversion with bounds checking
		return int(val)
	}
	return maxInt
}

var sharedLibraryCandidates = []string{
	"./libonnxruntime.so",
	"./build/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/libonnxruntime.so",
	"./libonnxruntime.1.23.1.dylib",
	"./build/libonnxruntime.1.23.1.dylib",
}

// initRuntime points onnxruntime_go at the shared library and initialises
// the process-wide environment once.
func initRuntime() error {
	if onnxruntime.IsInitialized() {
		return nil
	}
	libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if libPath == "" {
		for _, candidate := range sharedLibraryCandidates {
			if _, err := os.Stat(candidate); err == nil {
				libPath = candidate
				break
			}
		}
	}
	if libPath != "" {
		onnxruntime.SetSharedLibraryPath(libPath)
	}
	if err := onnxruntime.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

// loadLabelMap reads the id2label table and returns it with the label count.
func loadLabelMap(path string) (map[string]string, int, error) {
	// #nosec G304 - path comes from the validated model directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read label mappings: %w", err)
	}
	var mappings struct {
		PII struct {
			ID2Label map[string]string `json:"id2label"`
			Label2ID map[string]int    `json:"label2id"`
		} `json:"pii"`
	}
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, 0, fmt.Errorf("failed to parse label mappings: %w", err)
	}

	// Highest label id + 1; "-100" marks ignored positions.
	numLabels := 0
	for idStr := range mappings.PII.ID2Label {
		id, err := strconv.Atoi(idStr)
		if err != nil || id < 0 {
			continue
		}
		if id >= numLabels {
			numLabels = id + 1
		}
	}
	if numLabels == 0 {
		numLabels = len(mappings.PII.Label2ID)
	}
	if numLabels == 0 {
		return nil, 0, fmt.Errorf("label mappings at %s contain no labels", path)
	}
	return mappings.PII.ID2Label, numLabels, nil
}

// NewONNXModelDetector loads the tokenizer and label map. The inference
// session is created on first use.
func NewONNXModelDetector(modelPath, tokenizerPath, labelMapPath string) (*ONNXModelDetector, error) {
	if err := initRuntime(); err != nil {
		return nil, err
	}

	id2label, numLabels, err := loadLabelMap(labelMapPath)
	if err != nil {
		return nil, err
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	return &ONNXModelDetector{
		tokenizer:    tk,
		id2label:     id2label,
		numPIILabels: numLabels,
		modelPath:    modelPath,
	}, nil
}

// GetName returns the name of this detector
func (d *ONNXModelDetector) GetName() string {
	return DetectorNameONNXModel
}

// Detect processes the input and returns detected entities
func (d *ONNXModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if strings.TrimSpace(input.Text) == "" {
		return DetectorOutput{Text: input.Text}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	// Tokenize input with offsets to get character positions
	encoding := d.tokenizer.EncodeWithOptions(input.Text, true, tokenizers.WithReturnOffsets())
	numTokens := len(encoding.IDs)
	if len(encoding.Offsets) < numTokens {
		numTokens = len(encoding.Offsets)
	}
	tokenIDs := encoding.IDs[:numTokens]
	offsets := encoding.Offsets[:numTokens]

	labels := make([]tokenLabel, numTokens)
	for _, chunk := range chunkTokens(tokenIDs, offsets) {
		if err := ctx.Err(); err != nil {
			return DetectorOutput{}, err
		}
		d.updateInputTensors(chunk.tokenIDs)
		if err := d.session.Run(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to run inference: %w", err)
		}
		chunkLabels := classifyTokens(d.outputTensor.GetData(), len(chunk.tokenIDs), d.numPIILabels, d.id2label)

		// Later chunks own the second half of each overlap.
		skip := 0
		if !chunk.isFirst {
			skip = chunkOverlap / 2
		}
		for i := skip; i < len(chunkLabels); i++ {
			labels[chunk.startTokenIndex+i] = chunkLabels[i]
		}
	}

	return DetectorOutput{
		Text:     input.Text,
		Entities: groupEntities(input.Text, labels, offsets),
	}, nil
}

// chunkTokens splits a token sequence into overlapping windows of at most
// maxSeqLen tokens.
func chunkTokens(tokenIDs []uint32, offsets []tokenizers.Offset) []tokenChunk {
	n := len(tokenIDs)
	if len(offsets) < n {
		n = len(offsets)
	}
	if n <= maxSeqLen {
		return []tokenChunk{{
			tokenIDs:        tokenIDs[:n],
			offsets:         offsets[:n],
			startTokenIndex: 0,
			isFirst:         true,
			isLast:          true,
		}}
	}

	stride := maxSeqLen - chunkOverlap
	var chunks []tokenChunk
	for start := 0; ; start += stride {
		end := start + maxSeqLen
		if end > n {
			end = n
		}
		chunks = append(chunks, tokenChunk{
			tokenIDs:        tokenIDs[start:end],
			offsets:         offsets[start:end],
			startTokenIndex: start,
			isFirst:         start == 0,
			isLast:          end == n,
		})
		if end == n {
			break
		}
	}
	return chunks
}

// classifyTokens takes the argmax label per token with its softmax
// probability.
func classifyTokens(logits []float32, numTokens, numLabels int, id2label map[string]string) []tokenLabel {
	out := make([]tokenLabel, 0, numTokens)
	for i := 0; i < numTokens; i++ {
		startIdx := i * numLabels
		endIdx := startIdx + numLabels
		if endIdx > len(logits) {
			break
		}
		tokenLogits := logits[startIdx:endIdx]

		maxLogit := math.Inf(-1)
		bestClass := 0
		for j, logit := range tokenLogits {
			if float64(logit) > maxLogit {
				maxLogit = float64(logit)
				bestClass = j
			}
		}
		var sum float64
		for _, logit := range tokenLogits {
			sum += math.Exp(float64(logit) - maxLogit)
		}
		confidence := 1 / sum

		label, ok := id2label[strconv.Itoa(bestClass)]
		if !ok || confidence < minTokenConfidence {
			label = "O"
		}
		out = append(out, tokenLabel{label: label, confidence: confidence})
	}
	return out
}

// groupEntities joins B-/I- tagged tokens into entities.
func groupEntities(text string, labels []tokenLabel, offsets []tokenizers.Offset) []Entity {
	var entities []Entity
	var current *Entity
	var confSum float64
	var confCount int

	flush := func() {
		if current == nil {
			return
		}
		current.Confidence = confSum / float64(confCount)
		if current.StartPos >= 0 && current.EndPos <= len(text) && current.StartPos < current.EndPos {
			current.Text = text[current.StartPos:current.EndPos]
			entities = append(entities, *current)
		}
		current = nil
	}

	for i, tl := range labels {
		if i >= len(offsets) {
			break
		}
		start, end := safeUintToInt(offsets[i][0]), safeUintToInt(offsets[i][1])
		label := tl.label
		if label == "" || start == end {
			// Special tokens carry an empty offset.
			label = "O"
		}

		isBeginning := strings.HasPrefix(label, "B-")
		isInside := strings.HasPrefix(label, "I-")
		baseLabel := strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")

		switch {
		case label == "O":
			flush()
		case isInside && current != nil && current.Label == baseLabel:
			current.EndPos = end
			confSum += tl.confidence
			confCount++
		case isBeginning || isInside || current == nil || current.Label != baseLabel:
			flush()
			current = &Entity{Label: baseLabel, StartPos: start, EndPos: end}
			confSum, confCount = tl.confidence, 1
		default:
			// Untagged label continuing the same entity.
			current.EndPos = end
			confSum += tl.confidence
			confCount++
		}
	}
	flush()
	return entities
}

// initializeSession initializes the ONNX session and tensors
func (d *ONNXModelDetector) initializeSession() error {
	inputShape := onnxruntime.NewShape(1, maxSeqLen)
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		_ = inputTensor.Destroy()
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}
	outputShape := onnxruntime.NewShape(1, maxSeqLen, int64(d.numPIILabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = maskTensor.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"pii_logits"},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = maskTensor.Destroy()
		_ = outputTensor.Destroy()
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor
	return nil
}

// updateInputTensors copies one chunk into the zero-padded input tensors
func (d *ONNXModelDetector) updateInputTensors(tokenIDs []uint32) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()
	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}
	for i, id := range tokenIDs {
		if i >= len(inputData) {
			break
		}
		inputData[i] = int64(id)
		maskData[i] = 1
	}
}

// Close implements the Detector interface
func (d *ONNXModelDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
		d.session = nil
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
		d.inputTensor = nil
	}
	if d.maskTensor != nil {
		if err := d.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
		d.maskTensor = nil
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
		d.outputTensor = nil
	}
	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
		d.tokenizer = nil
	}
	return errors.Join(errs...)
}
