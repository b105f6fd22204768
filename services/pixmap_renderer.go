package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"doc-ingest-pipeline/models"
)

// PixmapRenderer renders one page of a document to an image file and returns its
// path.
type PixmapRenderer interface {
	Render(ctx context.Context, doc models.Document, page int) (string, error)
}

// PopplerConfig configures PopplerRenderer
type PopplerConfig struct {
	PdftoppmPath string
	SofficePath  string
	DPI          int
	OutDir       string
	Timeout      time.Duration
}

// PopplerRenderer shells out to pdftoppm. Office documents are converted to PDF
// once per document with soffice before rendering.
type PopplerRenderer struct {
	cfg PopplerConfig

	mu        sync.Mutex
	converted map[string]*conversion
}

type conversion struct {
	once sync.Once
	path string
	err  error
}

func NewPopplerRenderer(cfg PopplerConfig) *PopplerRenderer {
	if cfg.PdftoppmPath == "" {
		cfg.PdftoppmPath = "pdftoppm"
	}
	if cfg.SofficePath == "" {
		cfg.SofficePath = "soffice"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 150
	}
	if cfg.OutDir == "" {
		cfg.OutDir = filepath.Join(os.TempDir(), "doc-ingest-pixmaps")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &PopplerRenderer{cfg: cfg, converted: make(map[string]*conversion)}
}

// Available reports whether pdftoppm can be found.
func (r *PopplerRenderer) Available() bool {
	_, err := exec.LookPath(r.cfg.PdftoppmPath)
	return err == nil
}

func (r *PopplerRenderer) Render(ctx context.Context, doc models.Document, page int) (string, error) {
	if page < 1 {
		return "", fmt.Errorf("invalid page number %d", page)
	}
	src, err := r.pdfSource(ctx, doc)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(r.cfg.OutDir, doc.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create pixmap directory: %w", err)
	}
	prefix := filepath.Join(dir, fmt.Sprintf("page-%04d", page))
	out := prefix + ".png"
	if st, err := os.Stat(out); err == nil && st.Size() > 0 {
		return out, nil
	}

	n := strconv.Itoa(page)
	args := []string{"-png", "-r", strconv.Itoa(r.cfg.DPI), "-f", n, "-l", n, "-singlefile", src, prefix}
	if err := r.run(ctx, r.cfg.PdftoppmPath, args...); err != nil {
		return "", fmt.Errorf("render page %d: %w", page, err)
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("render page %d: pdftoppm produced no image", page)
	}
	return out, nil
}

func (r *PopplerRenderer) pdfSource(ctx context.Context, doc models.Document) (string, error) {
	if doc.FileType == models.FileTypePDF {
		return doc.SourcePath, nil
	}

	r.mu.Lock()
	c, ok := r.converted[doc.ID]
	if !ok {
		c = &conversion{}
		r.converted[doc.ID] = c
	}
	r.mu.Unlock()

	c.once.Do(func() {
		dir := filepath.Join(r.cfg.OutDir, doc.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.err = err
			return
		}
		c.err = r.run(ctx, r.cfg.SofficePath, "--headless", "--convert-to", "pdf", "--outdir", dir, doc.SourcePath)
		base := strings.TrimSuffix(filepath.Base(doc.SourcePath), filepath.Ext(doc.SourcePath))
		c.path = filepath.Join(dir, base+".pdf")
		if c.err == nil {
			if _, err := os.Stat(c.path); err != nil {
				c.err = errors.New("soffice produced no pdf")
			}
		}
	})
	if c.err != nil {
		return "", fmt.Errorf("convert %s to pdf: %w", doc.Filename, c.err)
	}
	return c.path, nil
}

func (r *PopplerRenderer) run(ctx context.Context, bin string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w, stderr: %s", filepath.Base(bin), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Forget drops the cached office conversion of a document.
func (r *PopplerRenderer) Forget(docID string) {
	r.mu.Lock()
	delete(r.converted, docID)
	r.mu.Unlock()
}
