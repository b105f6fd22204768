package services

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var slidePattern = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func openZipEntry(r *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range r.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// readDOCX returns the text of each page of a .docx file. Pages are separated by
// explicit page breaks; a document without breaks is a single page.
func readDOCX(r *zip.Reader) ([]string, error) {
	rc, err := openZipEntry(r, "word/document.xml")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var pages []string
	var page, para strings.Builder
	inText := false

	flushPara := func() {
		if t := strings.TrimSpace(para.String()); t != "" {
			if page.Len() > 0 {
				page.WriteString("\n\n")
			}
			page.WriteString(t)
		}
		para.Reset()
	}
	breakPage := func() {
		flushPara()
		pages = append(pages, page.String())
		page.Reset()
	}

	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				if attr(t, "type") == "page" {
					breakPage()
				} else {
					para.WriteByte('\n')
				}
			case "pageBreakBefore":
				if v := attr(t, "val"); v == "" || v == "1" || v == "true" {
					if para.Len() > 0 || page.Len() > 0 {
						breakPage()
					}
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flushPara()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flushPara()
	if page.Len() > 0 || len(pages) == 0 {
		pages = append(pages, page.String())
	}
	return pages, nil
}

// readPPTX returns the text of each slide of a .pptx file in slide order.
func readPPTX(r *zip.Reader) ([]string, error) {
	type slide struct {
		n    int
		file *zip.File
	}
	var slides []slide
	for _, f := range r.File {
		if m := slidePattern.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{n: n, file: f})
		}
	}
	if len(slides) == 0 {
		return nil, errors.New("no slides found in archive")
	}
	slices.SortFunc(slides, func(a, b slide) int { return a.n - b.n })

	pages := make([]string, 0, len(slides))
	for _, s := range slides {
		text, err := readSlide(s.file)
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", s.n, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func readSlide(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var lines []string
	var para strings.Builder
	inText := false
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			} else if t.Name.Local == "br" {
				para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(para.String()); s != "" {
					lines = append(lines, s)
				}
				para.Reset()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

// readOfficeTitle returns dc:title from docProps/core.xml, if present.
func readOfficeTitle(r *zip.Reader) string {
	rc, err := openZipEntry(r, "docProps/core.xml")
	if err != nil {
		return ""
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "title" {
			var title string
			if err := dec.DecodeElement(&title, &se); err != nil {
				return ""
			}
			return strings.TrimSpace(title)
		}
	}
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
