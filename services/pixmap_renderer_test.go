package services

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"doc-ingest-pipeline/models"
)

const pdftoppmStub = `#!/bin/sh
echo "$@" >> "$(dirname "$0")/pdftoppm.log"
for a; do prefix=$a; done
printf png > "$prefix.png"
`

const sofficeStub = `#!/bin/sh
echo "$@" >> "$(dirname "$0")/soffice.log"
base=$(basename "$6")
printf pdf > "$5/${base%.*}.pdf"
`

const failingStub = `#!/bin/sh
echo "syntax error in page" >&2
exit 1
`

func writeStub(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func stubRenderer(t *testing.T) (*PopplerRenderer, string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs need a unix shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	bin := t.TempDir()
	out := t.TempDir()
	r := NewPopplerRenderer(PopplerConfig{
		PdftoppmPath: writeStub(t, bin, "pdftoppm", pdftoppmStub),
		SofficePath:  writeStub(t, bin, "soffice", sofficeStub),
		DPI:          72,
		OutDir:       out,
	})
	return r, bin, out
}

func TestPopplerRendererOfficeDocument(t *testing.T) {
	r, bin, out := stubRenderer(t)
	doc := models.Document{ID: "doc1", Filename: "report.docx", FileType: models.FileTypeDOCX, SourcePath: "/in/report.docx"}
	ctx := context.Background()

	for _, page := range []int{3, 3, 4} {
		path, err := r.Render(ctx, doc, page)
		if err != nil {
			t.Fatalf("render page %d: %v", page, err)
		}
		if want := filepath.Join(out, "doc1", fmt.Sprintf("page-%04d.png", page)); path != want {
			t.Fatalf("path = %s, want %s", path, want)
		}
	}

	if conv := readLines(t, filepath.Join(bin, "soffice.log")); len(conv) != 1 {
		t.Fatalf("soffice ran %d times: %q", len(conv), conv)
	}
	calls := readLines(t, filepath.Join(bin, "pdftoppm.log"))
	if len(calls) != 2 {
		t.Fatalf("pdftoppm calls = %q", calls)
	}
	src := filepath.Join(out, "doc1", "report.pdf")
	want := "-png -r 72 -f 3 -l 3 -singlefile " + src + " " + filepath.Join(out, "doc1", "page-0003")
	if calls[0] != want {
		t.Fatalf("pdftoppm args = %q, want %q", calls[0], want)
	}
}

func TestPopplerRendererPDFAndErrors(t *testing.T) {
	r, bin, _ := stubRenderer(t)
	doc := models.Document{ID: "doc2", Filename: "a.pdf", FileType: models.FileTypePDF, SourcePath: "/in/a.pdf"}

	if _, err := r.Render(context.Background(), doc, 0); err == nil {
		t.Fatal("expected error for page 0")
	}
	if _, err := r.Render(context.Background(), doc, 1); err != nil {
		t.Fatal(err)
	}
	if calls := readLines(t, filepath.Join(bin, "pdftoppm.log")); !strings.Contains(calls[0], " /in/a.pdf ") {
		t.Fatalf("pdf source not passed through: %q", calls[0])
	}
	if _, err := os.Stat(filepath.Join(bin, "soffice.log")); !os.IsNotExist(err) {
		t.Fatal("soffice must not run for pdf sources")
	}

	r.cfg.PdftoppmPath = writeStub(t, bin, "broken", failingStub)
	_, err := r.Render(context.Background(), doc, 2)
	if err == nil || !strings.Contains(err.Error(), "syntax error in page") {
		t.Fatalf("err = %v", err)
	}
}
