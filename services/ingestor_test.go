package services

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

const coreXML = `<?xml version="1.0" encoding="UTF-8"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/">
<dc:title>Plant Handbook</dc:title></cp:coreProperties>`

const documentXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Safety</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Wear a </w:t></w:r><w:r><w:t>helmet.</w:t></w:r></w:p>
<w:p><w:r><w:br w:type="page"/></w:r></w:p>
<w:p><w:r><w:t>Maintenance</w:t></w:r></w:p>
<w:p><w:pPr><w:pageBreakBefore/></w:pPr><w:r><w:t>Appendix</w:t></w:r></w:p>
</w:body></w:document>`

func slideXML(text string) string {
	return `<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>` + text + `</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
}

func writeZip(t *testing.T, name string, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for n, body := range entries {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestDOCX(t *testing.T) {
	path := writeZip(t, "handbook.docx", map[string]string{
		"word/document.xml": documentXML,
		"docProps/core.xml": coreXML,
	})
	doc, err := NewIngestor(0, nil).Ingest(context.Background(), models.Document{SourcePath: path, Status: models.StatusNew})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != models.StatusIngested || doc.FileType != models.FileTypeDOCX || doc.Title != "Plant Handbook" {
		t.Fatalf("doc = %+v", doc)
	}
	want := []string{"Safety\n\nWear a helmet.", "Maintenance", "Appendix"}
	if len(doc.Pages) != len(want) {
		t.Fatalf("got %d pages: %+v", len(doc.Pages), doc.Pages)
	}
	for i, p := range doc.Pages {
		if p.Number != i+1 || p.Text != want[i] {
			t.Errorf("page %d = %d %q, want %q", i, p.Number, p.Text, want[i])
		}
	}
	data, _ := os.ReadFile(path)
	if doc.ContentHash != utils.ContentHash(data) || doc.ID != utils.DocumentID(doc.ContentHash) {
		t.Fatalf("identity = %s %s", doc.ID, doc.ContentHash)
	}
}

func TestIngestPPTXOrdersSlides(t *testing.T) {
	path := writeZip(t, "deck.pptx", map[string]string{
		"ppt/slides/slide10.xml": slideXML("ten"),
		"ppt/slides/slide2.xml":  slideXML("two"),
		"ppt/slides/slide1.xml":  slideXML("one"),
	})
	doc, err := NewIngestor(0, nil).Ingest(context.Background(), models.Document{SourcePath: path})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "deck" {
		t.Fatalf("title = %q", doc.Title)
	}
	for i, want := range []string{"one", "two", "ten"} {
		if doc.Pages[i].Text != want {
			t.Fatalf("slide %d = %q, want %q", i+1, doc.Pages[i].Text, want)
		}
	}
}

func TestIngestRejectsUnusableSources(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	cases := []struct {
		name string
		path string
		want error
	}{
		{"fake pdf", write("fake.pdf", "hello"), ErrUndecodable},
		{"fake docx", write("fake.docx", "hello"), ErrUndecodable},
		{"legacy doc", write("old.doc", "\xd0\xcf\x11\xe0"), ErrUnsupportedFormat},
		{"text", write("notes.txt", "hello"), ErrUnsupportedFormat},
		{"missing", filepath.Join(dir, "nope.pdf"), ErrUndecodable},
		{"empty zip", writeZip(t, "empty.pptx", map[string]string{"x.txt": "x"}), ErrUndecodable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewIngestor(0, nil).Ingest(context.Background(), models.Document{SourcePath: tc.path})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	big := write("big.pdf", "%PDF-1.4 padding padding")
	if _, err := NewIngestor(8, nil).Ingest(context.Background(), models.Document{SourcePath: big}); !errors.Is(err, ErrUndecodable) {
		t.Fatalf("size limit err = %v", err)
	}
}

func TestExtractPagesIsolatesBadPages(t *testing.T) {
	texts := extractPages(4, func(page int) (string, error) {
		switch page {
		case 2:
			panic("malformed content stream")
		case 3:
			return "", errors.New("bad font")
		}
		return "page text", nil
	})
	want := []string{"page text", "", "", "page text"}
	if len(texts) != len(want) {
		t.Fatalf("texts = %q", texts)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("page %d text = %q, want %q", i+1, texts[i], want[i])
		}
	}
}
