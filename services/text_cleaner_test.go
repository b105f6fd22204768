package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
)

func TestCleanPageRules(t *testing.T) {
	in := "Intro\x00duction\r\nThe experi-\nment   ran\t\tfast.\n\n\n\n42\nPage 3 of 9\nDone�"
	out, report := cleanPage(3, in, nil)

	want := "Introduction\nThe experiment ran fast.\n\nDone"
	if out != want {
		t.Fatalf("cleaned = %q, want %q", out, want)
	}
	for _, op := range []string{OpStripControl, OpDehyphenate, OpNormalizeSpace, OpCollapseBlank, OpRemovePageNumbers} {
		if !slices.Contains(report.Operations, op) {
			t.Errorf("operation %s not reported: %v", op, report.Operations)
		}
	}
	if !slices.Equal(report.RemovedLines, []string{"42", "Page 3 of 9"}) {
		t.Fatalf("removed = %v", report.RemovedLines)
	}
	if report.PageNumber != 3 || report.OutputChars != len([]rune(want)) {
		t.Fatalf("report = %+v", report)
	}
}

func TestCleanPagesRemovesRunningHeaders(t *testing.T) {
	var numbers []int
	var texts []string
	topics := []string{"turbines", "boilers", "cooling", "staffing"}
	for i, topic := range topics {
		numbers = append(numbers, i+1)
		texts = append(texts, fmt.Sprintf("ACME Corp Annual Report %d\nThis page covers %s.\nConfidential", 2021+i, topic))
	}
	out, reports, err := NewTextCleaner(2).CleanPages(context.Background(), numbers, texts)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range out {
		if strings.Contains(s, "ACME") || strings.Contains(s, "Confidential") {
			t.Errorf("page %d kept boilerplate: %q", i+1, s)
		}
		if !strings.Contains(s, topics[i]) {
			t.Errorf("page %d lost body: %q", i+1, s)
		}
		if reports[i].PageNumber != i+1 || !slices.Contains(reports[i].Operations, OpRemoveBoilerplate) {
			t.Errorf("report %d = %+v", i, reports[i])
		}
	}
}

func TestCleanPagesKeepsShortDocuments(t *testing.T) {
	texts := []string{"Header\nOne", "Header\nTwo"}
	out, _, err := NewTextCleaner(1).CleanPages(context.Background(), []int{1, 2}, texts)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != "Header\nOne" {
		t.Fatalf("two-page document lost its header: %q", out[0])
	}
}

func TestCleanPagesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := NewTextCleaner(1).CleanPages(ctx, []int{1}, []string{"x"}); err == nil {
		t.Fatal("expected context error")
	}
}
