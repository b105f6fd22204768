package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"doc-ingest-pipeline/internal/queue"
	"doc-ingest-pipeline/internal/storage"
	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/services"
	"doc-ingest-pipeline/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEnqueuer struct {
	payloads []queue.RunPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueRun(_ context.Context, p queue.RunPayload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, p)
	return "task-1", nil
}

func seededStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewFileStore(t.TempDir(), utils.CompressionNone, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	doc := models.Document{
		ID:     "doc1",
		Status: models.StatusParsed,
		Pages:  []models.Page{{Number: 1, Text: "hello"}, {Number: 2, Text: "world"}},
		Metadata: models.DocumentMetadata{
			ParsingFailures: []models.ParsingFailure{{
				PageNumber: 2, Status: models.ParsingFailed, ErrorType: models.ErrTimeout,
			}},
			ParsingFailureCount: 1,
		},
	}
	run := models.NewRun("run1", "/in/a.pdf", time.Unix(100, 0).UTC())
	run.DocumentID = "doc1"
	run.Stage(models.StageIngest).Status = models.StageSucceeded
	run.Stage(models.StageParse).Status = models.StageSucceeded
	run.Stage(models.StageClean).Status = models.StageFailed
	run.Status = models.RunFailed

	for _, snap := range []models.Snapshot{
		{RunID: "run1", Stage: models.StageIngest, Document: doc.WithStatus(models.StatusIngested)},
		{RunID: "run1", Stage: models.StageParse, Document: doc},
	} {
		if err := s.SaveSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestRouter(t *testing.T, enq Enqueuer) *gin.Engine {
	t.Helper()
	return NewRouter(RouterConfig{}, NewRunHandler(seededStore(t), enq, nil))
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReadEndpoints(t *testing.T) {
	r := newTestRouter(t, nil)

	tests := []struct {
		name string
		path string
		code int
		want string
	}{
		{"health", "/health", http.StatusOK, `"healthy"`},
		{"list", "/runs", http.StatusOK, `"count":1`},
		{"bad limit", "/runs?limit=0", http.StatusBadRequest, "bad_request"},
		{"run", "/runs/run1", http.StatusOK, `"document_id":"doc1"`},
		{"missing run", "/runs/nope", http.StatusNotFound, "not_found"},
		{"snapshot", "/runs/run1/stages/ingest", http.StatusOK, `"status":"ingested"`},
		{"missing snapshot", "/runs/run1/stages/chunk", http.StatusNotFound, "not_found"},
		{"unknown stage", "/runs/run1/stages/deploy", http.StatusBadRequest, "Unknown stage"},
		{"document", "/documents/doc1", http.StatusOK, `"id":"doc1"`},
		{"missing document", "/documents/nope", http.StatusNotFound, "not_found"},
		{"failures", "/documents/doc1/failures", http.StatusOK, `"parsing_failure_count":1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodGet, tt.path, "")
			if w.Code != tt.code {
				t.Fatalf("code = %d, body %s", w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Fatalf("body %s does not contain %s", w.Body.String(), tt.want)
			}
		})
	}
}

func TestFailuresShape(t *testing.T) {
	w := do(newTestRouter(t, nil), http.MethodGet, "/documents/doc1/failures", "")
	var body struct {
		Failures []models.ParsingFailure `json:"parsing_failures"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Failures) != 1 || body.Failures[0].PageNumber != 2 || body.Failures[0].ErrorType != models.ErrTimeout {
		t.Fatalf("failures = %+v", body.Failures)
	}
}

func TestRunReport(t *testing.T) {
	w := do(newTestRouter(t, nil), http.MethodGet, "/runs/run1/report.xlsx", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "run-run1.xlsx") {
		t.Fatalf("disposition = %q", w.Header().Get("Content-Disposition"))
	}
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(services.SheetFailures)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("failure rows = %v", rows)
	}
}

func TestCreateRun(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}

	enq := &fakeEnqueuer{}
	r := newTestRouter(t, enq)

	w := do(r, http.MethodPost, "/runs", `{"source_path":"`+src+`"}`)
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), "task-1") {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodPost, "/runs", `{"run_id":"run1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("resume = %d %s", w.Code, w.Body.String())
	}
	if len(enq.payloads) != 2 || enq.payloads[0].SourcePath != src || enq.payloads[1].RunID != "run1" {
		t.Fatalf("payloads = %+v", enq.payloads)
	}

	for name, body := range map[string]string{
		"empty":   `{}`,
		"both":    `{"source_path":"` + src + `","run_id":"run1"}`,
		"missing": `{"source_path":"/no/such/file.pdf"}`,
		"garbage": `{`,
	} {
		if w := do(r, http.MethodPost, "/runs", body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: code = %d", name, w.Code)
		}
	}
	if w := do(r, http.MethodPost, "/runs", `{"run_id":"nope"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown run: code = %d", w.Code)
	}

	enq.err = errors.New("redis down")
	if w := do(r, http.MethodPost, "/runs", `{"source_path":"`+src+`"}`); w.Code != http.StatusInternalServerError {
		t.Fatalf("enqueue failure: code = %d", w.Code)
	}
}

func TestCreateRunWithoutQueue(t *testing.T) {
	w := do(newTestRouter(t, nil), http.MethodPost, "/runs", `{"run_id":"run1"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", w.Code)
	}
}
