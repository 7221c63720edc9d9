package reconstruct

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/hannes/yaak-deid/document"
)

func init() {
	// pdfcpu would otherwise create a config directory under the user's home
	api.DisableConfigDir()
}

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false
	return conf
}

// buildPDF writes a new PDF with one full-page image per raster. Nothing of
// the source container is copied, so no text layer survives.
func (r *Reconstructor) buildPDF(ctx context.Context, pages []*image.RGBA, meta document.Meta) (*Artifact, error) {
	if len(meta.MediaBoxes) != len(pages) {
		return nil, document.ReconstructionError(fmt.Sprintf("have %d media boxes for %d pages", len(meta.MediaBoxes), len(pages)), nil)
	}

	conf := pdfConfig()
	var doc []byte
	for i, img := range pages {
		if err := ctx.Err(); err != nil {
			return nil, document.CancelledError(err)
		}

		box := meta.MediaBoxes[i]
		if box.Empty() {
			return nil, document.ReconstructionError(fmt.Sprintf("page %d has a degenerate media box %s", i, box), nil)
		}

		var encoded bytes.Buffer
		if err := png.Encode(&encoded, img); err != nil {
			return nil, document.ReconstructionError(fmt.Sprintf("failed to encode page %d", i), err)
		}

		imp := pdfcpu.DefaultImportConfig()
		imp.PageDim = &types.Dim{Width: box.Width(), Height: box.Height()}
		imp.UserDim = true
		imp.Pos = types.Center
		imp.Scale = 1
		imp.ScaleAbs = false

		// the first page creates the document, later pages are appended
		var src io.ReadSeeker
		if doc != nil {
			src = bytes.NewReader(doc)
		}
		var out bytes.Buffer
		if err := api.ImportImages(src, &out, []io.Reader{&encoded}, imp, conf); err != nil {
			return nil, document.ReconstructionError(fmt.Sprintf("failed to add page %d", i), err)
		}
		doc = out.Bytes()

		r.logger.Debug().Int("page", i).Str("media_box", box.String()).Msg("Added page to output PDF")
	}

	count, err := api.PageCount(bytes.NewReader(doc), conf)
	if err != nil {
		return nil, document.ReconstructionError("failed to read back output PDF", err)
	}
	if count != meta.PageCount {
		return nil, document.ReconstructionError(fmt.Sprintf("output PDF has %d pages, expected %d", count, meta.PageCount), nil)
	}

	return &Artifact{
		Data:        doc,
		ContentType: "application/pdf",
		Extension:   ".pdf",
		PageCount:   count,
	}, nil
}
