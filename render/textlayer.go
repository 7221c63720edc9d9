package render

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/hannes/yaak-deid/document"
)

const (
	// wordSpaceMultiplier is the gap, as a fraction of the font size, that
	// separates two words.
	wordSpaceMultiplier = 0.3
	// rowToleranceRatio is the baseline difference, as a fraction of the
	// font size, still treated as the same row.
	rowToleranceRatio = 0.3
	// descent and ascent approximate the glyph box around the baseline.
	descentRatio = 0.2
	ascentRatio  = 0.8

	maxTreeDepth = 32
)

// pageLayer is the vector side of one PDF page.
type pageLayer struct {
	box    document.Rect
	rotate int
	runs   []document.TextRun
	ok     bool
}

func openPDF(data []byte) (*pdf.Reader, error) {
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

// readTextLayer extracts word runs and page boxes for every page. A page
// whose content cannot be parsed is returned with ok=false.
func readTextLayer(data []byte) (layers []pageLayer, err error) {
	defer func() {
		if r := recover(); r != nil {
			layers, err = nil, fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := openPDF(data)
	if err != nil {
		return nil, err
	}

	n := reader.NumPage()
	layers = make([]pageLayer, n)
	for i := 0; i < n; i++ {
		layers[i] = readPage(reader.Page(i + 1))
	}
	return layers, nil
}

func readPage(p pdf.Page) (layer pageLayer) {
	defer func() {
		if r := recover(); r != nil {
			layer = pageLayer{}
		}
	}()

	if p.V.IsNull() {
		return pageLayer{}
	}
	box, ok := pageBox(p.V)
	if !ok {
		return pageLayer{}
	}
	layer.box = box
	layer.rotate = int(inherited(p.V, "Rotate").Int64())
	layer.runs = groupRuns(p.Content().Text)
	layer.ok = true
	return layer
}

// pageBox returns the visible page area: the crop box clipped to the media
// box when one is set, else the media box. Both are inheritable.
func pageBox(v pdf.Value) (document.Rect, bool) {
	media, ok := rectValue(inherited(v, "MediaBox"))
	if !ok {
		return document.Rect{}, false
	}
	if crop, ok := rectValue(inherited(v, "CropBox")); ok {
		if clipped := crop.Intersect(media); !clipped.Empty() {
			return clipped, true
		}
	}
	return media, true
}

// inherited looks key up on the page and then up the page tree.
func inherited(v pdf.Value, key string) pdf.Value {
	for depth := 0; depth < maxTreeDepth && !v.IsNull(); depth++ {
		if val := v.Key(key); !val.IsNull() {
			return val
		}
		v = v.Key("Parent")
	}
	return pdf.Value{}
}

func rectValue(v pdf.Value) (document.Rect, bool) {
	if v.Kind() != pdf.Array || v.Len() != 4 {
		return document.Rect{}, false
	}
	var c [4]float64
	for i := range c {
		item := v.Index(i)
		switch item.Kind() {
		case pdf.Integer:
			c[i] = float64(item.Int64())
		case pdf.Real:
			c[i] = item.Float64()
		default:
			return document.Rect{}, false
		}
	}
	r := document.NewRect(c[0], c[1], c[2], c[3])
	if r.Empty() {
		return document.Rect{}, false
	}
	return r, true
}

// groupRuns merges positioned glyphs into word runs. Glyphs are bucketed
// into rows by baseline, sorted left to right, and split at whitespace or
// at gaps wider than a fraction of the font size.
func groupRuns(texts []pdf.Text) []document.TextRun {
	rows := groupIntoRows(texts)

	var runs []document.TextRun
	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })

		var word []pdf.Text
		flush := func() {
			if len(word) > 0 {
				runs = append(runs, wordRun(word))
				word = nil
			}
		}
		for _, t := range row {
			if strings.TrimFunc(t.S, unicode.IsSpace) == "" {
				flush()
				continue
			}
			if len(word) > 0 {
				last := word[len(word)-1]
				fs := math.Max(last.FontSize, t.FontSize)
				if t.X-(last.X+last.W) > wordSpaceMultiplier*fs {
					flush()
				}
			}
			word = append(word, t)
		}
		flush()
	}
	return runs
}

// groupIntoRows buckets glyphs by baseline. Rows come back top to bottom.
func groupIntoRows(texts []pdf.Text) [][]pdf.Text {
	type rowBucket struct {
		y     float64
		texts []pdf.Text
	}
	var buckets []rowBucket

	for _, t := range texts {
		if t.S == "" {
			continue
		}
		tol := math.Max(rowToleranceRatio*t.FontSize, 1)
		found := false
		for i := range buckets {
			if math.Abs(t.Y-buckets[i].y) <= tol {
				buckets[i].texts = append(buckets[i].texts, t)
				found = true
				break
			}
		}
		if !found {
			buckets = append(buckets, rowBucket{y: t.Y, texts: []pdf.Text{t}})
		}
	}

	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].y > buckets[j].y })
	rows := make([][]pdf.Text, len(buckets))
	for i, b := range buckets {
		rows[i] = b.texts
	}
	return rows
}

// wordRun joins glyphs into one run. A glyph standing for several runes
// (a ligature) shares its advance evenly between them.
func wordRun(glyphs []pdf.Text) document.TextRun {
	var sb strings.Builder
	first, last := glyphs[0], glyphs[len(glyphs)-1]
	fs := 0.0
	minY, maxY := first.Y, first.Y
	edges := make([]float64, 0, len(glyphs)+1)
	for _, g := range glyphs {
		k := utf8.RuneCountInString(g.S)
		for j := 0; j < k; j++ {
			edges = append(edges, g.X+g.W*float64(j)/float64(k))
		}
		sb.WriteString(g.S)
		fs = math.Max(fs, g.FontSize)
		minY = math.Min(minY, g.Y)
		maxY = math.Max(maxY, g.Y)
	}
	return document.TextRun{
		Text:      sb.String(),
		Box:       document.Rect{X0: first.X, Y0: minY - descentRatio*fs, X1: last.X + last.W, Y1: maxY + ascentRatio*fs},
		FontName:  first.Font,
		FontSize:  fs,
		RuneEdges: append(edges, last.X+last.W),
	}
}
