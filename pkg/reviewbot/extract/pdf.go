package extract

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var errEmptyDocument = errors.New("empty document")

// PageCounter reads a PDF and reports how many pages it has. An error means
// the document is not a readable PDF.
type PageCounter func(blob []byte) (int, error)

// PDFPageCounter validates blobs with pdfcpu in relaxed mode.
// The pdfcpu user config directory is disabled; workers must not write to $HOME.
func PDFPageCounter() PageCounter {
	api.DisableConfigDir()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return func(blob []byte) (int, error) {
		if len(blob) == 0 {
			return 0, errEmptyDocument
		}
		n, err := api.PageCount(bytes.NewReader(blob), conf)
		if err != nil {
			return 0, fmt.Errorf("extract: read pdf: %w", err)
		}
		return n, nil
	}
}
