package render

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/hannes/yaak-deid/document"
)

// Info summarises a document without rendering it.
type Info struct {
	Type        document.Type     `json:"type"`
	Format      string            `json:"format"`
	PageCount   int               `json:"page_count"`
	HasText     bool              `json:"has_text"`
	TextPages   int               `json:"text_pages"`
	Width       int               `json:"width,omitempty"`  // images only, pixels
	Height      int               `json:"height,omitempty"` // images only, pixels
	PageSizes   []document.Rect   `json:"page_sizes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SizeInBytes int               `json:"size_bytes"`
}

// Inspect reads the container type, page count and, for PDFs, whether any
// page carries extractable text plus the document information dictionary.
func Inspect(data []byte) (*Info, error) {
	typ, format, err := Sniff(data)
	if err != nil {
		return nil, err
	}
	info := &Info{Type: typ, Format: format, SizeInBytes: len(data)}

	if typ == document.TypeImage {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, document.InputError("failed to read image header", err)
		}
		info.PageCount = 1
		info.Width, info.Height = cfg.Width, cfg.Height
		return info, nil
	}

	layers, err := readTextLayer(data)
	if err != nil {
		return nil, document.InputError("failed to read PDF", err)
	}
	info.PageCount = len(layers)
	for _, l := range layers {
		info.PageSizes = append(info.PageSizes, l.box)
		if len(l.runs) > 0 {
			info.TextPages++
		}
	}
	info.HasText = info.TextPages > 0
	info.Metadata = readMetadata(data)
	return info, nil
}

// readMetadata returns the string entries of the trailer's Info dictionary.
func readMetadata(data []byte) (meta map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			meta = nil
		}
	}()

	reader, err := openPDF(data)
	if err != nil {
		return nil
	}
	dict := reader.Trailer().Key("Info")
	if dict.IsNull() {
		return nil
	}
	meta = map[string]string{}
	for _, key := range dict.Keys() {
		if v := strings.TrimSpace(dict.Key(key).Text()); v != "" {
			meta[key] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// String renders a one-line summary.
func (i *Info) String() string {
	if i.Type == document.TypeImage {
		return fmt.Sprintf("%s image, %dx%d", i.Format, i.Width, i.Height)
	}
	return fmt.Sprintf("PDF, %d pages, %d with text", i.PageCount, i.TextPages)
}
