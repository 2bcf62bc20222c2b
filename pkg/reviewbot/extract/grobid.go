package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
)

// errUnavailable marks failures of the service itself rather than of a document.
var errUnavailable = errors.New("grobid unavailable")

// GrobidOptions configures a Grobid extractor.
type GrobidOptions struct {
	BaseURL     string
	Timeout     time.Duration
	Concurrency int
	HTTPClient  *http.Client
	PageCounter PageCounter
	Logger      *slog.Logger
}

// Grobid extracts article text through a GROBID server's full-text endpoint.
type Grobid struct {
	baseURL     string
	concurrency int
	client      *http.Client
	pages       PageCounter
	log         *slog.Logger
}

// NewGrobid builds an extractor for the server at opts.BaseURL.
func NewGrobid(opts GrobidOptions) *Grobid {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	pages := opts.PageCounter
	if pages == nil {
		pages = PDFPageCounter()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conc := opts.Concurrency
	if conc <= 0 {
		conc = 1
	}
	return &Grobid{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		concurrency: conc,
		client:      client,
		pages:       pages,
		log:         logger,
	}
}

// Alive checks that the server answers its health endpoint.
func (g *Grobid) Alive(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/isalive", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: isalive returned %d", errUnavailable, resp.StatusCode)
	}
	return nil
}

// ExtractBatch implements Extractor.
func (g *Grobid) ExtractBatch(ctx context.Context, blobs [][]byte) ([]Result, error) {
	if len(blobs) == 0 {
		return nil, nil
	}
	if err := g.Alive(ctx); err != nil {
		return nil, fmt.Errorf("extract: %w: %w", internalerr.ErrExtraction, err)
	}

	results := make([]Result, len(blobs))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	for i, blob := range blobs {
		eg.Go(func() error {
			article, err := g.extractOne(gctx, blob)
			if err != nil && (errors.Is(err, errUnavailable) || gctx.Err() != nil) {
				return fmt.Errorf("document %d: %w", i, err)
			}
			if err != nil {
				g.log.Warn("Document could not be extracted.", "index", i, "error", err)
				results[i].Err = err
				return nil
			}
			results[i].Article = article
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("extract: batch of %d: %w: %w", len(blobs), internalerr.ErrExtraction, err)
	}
	return results, nil
}

func (g *Grobid) extractOne(ctx context.Context, blob []byte) (Article, error) {
	pageCount, err := g.pages(blob)
	if err != nil {
		return Article{}, err
	}
	tei, err := g.processFulltext(ctx, blob)
	if err != nil {
		return Article{}, err
	}
	article, err := ParseTEI(bytes.NewReader(tei))
	if err != nil {
		return Article{}, err
	}
	if strings.TrimSpace(article.Text) == "" {
		return Article{}, fmt.Errorf("extract: no text recovered")
	}
	article.Meta.PageCount = pageCount
	return article, nil
}

func (g *Grobid) processFulltext(ctx context.Context, blob []byte) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("input", "upload.pdf")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(blob); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/processFulltextDocument", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/xml")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", errUnavailable, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return data, nil
	case http.StatusNoContent, http.StatusBadRequest, http.StatusInternalServerError:
		// no content, BAD_INPUT_DATA and parse failures are document problems
		return nil, fmt.Errorf("extract: grobid status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: server busy", errUnavailable)
	default:
		// auth, routing and throttling problems affect every document
		return nil, fmt.Errorf("%w: status %d", errUnavailable, resp.StatusCode)
	}
}
