package services

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

var (
	// ErrUnsupportedFormat is returned for files that are not PDF, DOCX or PPTX.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrUndecodable is returned when the source bytes cannot be read as the
	// detected format.
	ErrUndecodable = errors.New("cannot decode document")
)

var pdfMagic = []byte("%PDF")
var zipMagic = []byte("PK\x03\x04")

// Ingestor opens a source file and extracts its per-page text.
type Ingestor struct {
	maxFileSize int64
	logger      *slog.Logger
	now         func() time.Time
}

// NewIngestor creates an ingestor. A non-positive maxFileSize disables the size check.
func NewIngestor(maxFileSize int64, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{maxFileSize: maxFileSize, logger: logger, now: time.Now}
}

// DetectFileType picks the format from the extension and confirms it with the
// file's leading bytes.
func DetectFileType(path string, head []byte) (models.FileType, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		if !bytes.HasPrefix(head, pdfMagic) {
			return "", fmt.Errorf("%w: %s has a .pdf extension but no PDF header", ErrUndecodable, filepath.Base(path))
		}
		return models.FileTypePDF, nil
	case ".docx", ".pptx":
		if !bytes.HasPrefix(head, zipMagic) {
			return "", fmt.Errorf("%w: %s is not a zip container", ErrUndecodable, filepath.Base(path))
		}
		if ext == ".docx" {
			return models.FileTypeDOCX, nil
		}
		return models.FileTypePPTX, nil
	case ".doc", ".ppt":
		return "", fmt.Errorf("%w: legacy binary %s files are not supported, convert to %sx", ErrUnsupportedFormat, ext, ext)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Ingest reads seed.SourcePath and returns the document with identity, title and
// one page per physical page or slide. Every error means the source cannot be
// used at all.
func (i *Ingestor) Ingest(ctx context.Context, seed models.Document) (models.Document, error) {
	path := seed.SourcePath
	if path == "" {
		return models.Document{}, fmt.Errorf("%w: empty source path", ErrUndecodable)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return models.Document{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if i.maxFileSize > 0 && stat.Size() > i.maxFileSize {
		return models.Document{}, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrUndecodable, filepath.Base(path), stat.Size(), i.maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Document{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if err := ctx.Err(); err != nil {
		return models.Document{}, err
	}

	ft, err := DetectFileType(path, data)
	if err != nil {
		return models.Document{}, err
	}

	var texts []string
	var title string
	switch ft {
	case models.FileTypePDF:
		texts, title, err = readPDF(data)
	case models.FileTypeDOCX, models.FileTypePPTX:
		texts, title, err = readOffice(data, ft)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("%w: %s: %v", ErrUndecodable, filepath.Base(path), err)
	}
	if len(texts) == 0 {
		return models.Document{}, fmt.Errorf("%w: %s has no pages", ErrUndecodable, filepath.Base(path))
	}

	hash := utils.ContentHash(data)
	doc := seed.Clone()
	doc.ID = utils.DocumentID(hash)
	doc.ContentHash = hash
	doc.Filename = filepath.Base(path)
	doc.FileType = ft
	doc.Size = stat.Size()
	doc.Title = title
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(doc.Filename, filepath.Ext(doc.Filename))
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = i.now().UTC()
	}
	doc.Pages = make([]models.Page, len(texts))
	for n, text := range texts {
		doc.Pages[n] = models.Page{Number: n + 1, Text: strings.TrimSpace(text)}
	}
	doc.Status = models.StatusIngested

	i.logger.Info("document ingested",
		"document_id", doc.ID,
		"filename", doc.Filename,
		"file_type", ft,
		"pages", len(doc.Pages),
	)
	return doc, nil
}

// readPDF extracts the plain text of every page. A page whose text cannot be
// extracted is kept with empty text; the vision parser does not need it.
func readPDF(data []byte) (texts []string, title string, err error) {
	defer func() {
		// the pdf package panics on some malformed cross-reference tables
		if p := recover(); p != nil {
			err = fmt.Errorf("pdf reader: %v", p)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create PDF reader: %w", err)
	}
	pages := reader.NumPage()

	texts = extractPages(pages, func(n int) (string, error) {
		page := reader.Page(n)
		if page.V.IsNull() {
			return "", nil
		}
		return page.GetPlainText(make(map[string]*pdf.Font))
	})
	title = pdfTitle(reader)
	return texts, title, nil
}

// extractPages calls text for pages 1..n. A page that fails or panics yields
// empty text and does not affect its neighbours.
func extractPages(n int, text func(page int) (string, error)) []string {
	texts := make([]string, 0, n)
	for page := 1; page <= n; page++ {
		s, err := pageText(page, text)
		if err != nil {
			s = ""
		}
		texts = append(texts, s)
	}
	return texts
}

func pageText(page int, text func(int) (string, error)) (s string, err error) {
	defer func() {
		if p := recover(); p != nil {
			s, err = "", fmt.Errorf("page %d text: %v", page, p)
		}
	}()
	return text(page)
}

func pdfTitle(reader *pdf.Reader) (title string) {
	defer func() {
		if recover() != nil {
			title = ""
		}
	}()
	return strings.TrimSpace(reader.Trailer().Key("Info").Key("Title").Text())
}

func readOffice(data []byte, ft models.FileType) ([]string, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", fmt.Errorf("open zip: %w", err)
	}
	var pages []string
	if ft == models.FileTypeDOCX {
		pages, err = readDOCX(zr)
	} else {
		pages, err = readPPTX(zr)
	}
	if err != nil {
		return nil, "", err
	}
	return pages, readOfficeTitle(zr), nil
}
