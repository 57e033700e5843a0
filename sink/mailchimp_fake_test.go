package sink

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

const testListID = "list-1"

// fakeMailchimp is an in-process stand-in for the Mailchimp API used by
// the HTTP-facing tests.
type fakeMailchimp struct {
	t   *testing.T
	srv *httptest.Server

	mu               sync.Mutex
	audiences        []Audience
	mergeFields      []MergeFieldDef
	categories       []InterestCategory
	interests        map[string][]Interest
	createMergeCalls int
	failMergeCreate  bool

	batchOps         [][]BatchOperation
	batchStatuses    []string
	failSubmitStatus int
	omitResultKeys   map[string]bool
	failUpsertEmails map[string]int
	upsert503s       int

	upserts []string
}

func newFakeMailchimp(t *testing.T) *fakeMailchimp {
	f := &fakeMailchimp{
		t: t,
		audiences: []Audience{
			{ID: testListID, Name: "Main"},
			{ID: "list-2", Name: "Newsletter"},
		},
		mergeFields: []MergeFieldDef{
			{MergeID: 1, Tag: "FNAME", Name: "First Name", Type: "text"},
			{MergeID: 2, Tag: "LNAME", Name: "Last Name", Type: "text"},
			{MergeID: 3, Tag: "ADDRESS", Name: "Address", Type: "address"},
			{MergeID: 4, Tag: "PHONE", Name: "Phone Number", Type: "phone"},
		},
		interests:        make(map[string][]Interest),
		batchStatuses:    []string{"started", "finished"},
		omitResultKeys:   make(map[string]bool),
		failUpsertEmails: make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeMailchimp) context(cfg Config) *SinkContext {
	return &SinkContext{
		Config:      cfg,
		APIEndpoint: f.srv.URL,
		Datacenter:  "us1",
		ListID:      testListID,
	}
}

func (f *fakeMailchimp) writeProblem(w http.ResponseWriter, status int, title string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(MailchimpError{
		Type:   "https://mailchimp.com/developer/marketing/docs/errors/",
		Title:  title,
		Status: status,
		Detail: title,
	})
}

func (f *fakeMailchimp) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := r.URL.Path
	switch {
	case p == "/oauth2/metadata":
		json.NewEncoder(w).Encode(map[string]string{
			"dc":           "us1",
			"api_endpoint": f.srv.URL,
		})

	case p == "/3.0/lists" && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(map[string]interface{}{"lists": f.audiences})

	case p == "/3.0/lists/"+testListID+"/merge-fields" && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(map[string]interface{}{"merge_fields": f.mergeFields})

	case p == "/3.0/lists/"+testListID+"/merge-fields" && r.Method == http.MethodPost:
		f.createMergeCalls++
		if f.failMergeCreate {
			f.writeProblem(w, http.StatusBadRequest, "Invalid Resource")
			return
		}
		var def MergeFieldDef
		json.NewDecoder(r.Body).Decode(&def)
		def.MergeID = 100 + f.createMergeCalls
		f.mergeFields = append(f.mergeFields, def)
		json.NewEncoder(w).Encode(def)

	case p == "/3.0/lists/"+testListID+"/interest-categories" && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(map[string]interface{}{"categories": f.categories})

	case p == "/3.0/lists/"+testListID+"/interest-categories" && r.Method == http.MethodPost:
		var req struct {
			Title string `json:"title"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		cat := InterestCategory{ID: fmt.Sprintf("cat-%d", len(f.categories)+1), Title: req.Title}
		f.categories = append(f.categories, cat)
		json.NewEncoder(w).Encode(cat)

	case strings.HasPrefix(p, "/3.0/lists/"+testListID+"/interest-categories/") && strings.HasSuffix(p, "/interests"):
		categoryID := strings.TrimSuffix(strings.TrimPrefix(p, "/3.0/lists/"+testListID+"/interest-categories/"), "/interests")
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]interface{}{"interests": f.interests[categoryID]})
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		in := Interest{
			ID:         fmt.Sprintf("int-%s-%d", categoryID, len(f.interests[categoryID])+1),
			CategoryID: categoryID,
			Name:       req.Name,
		}
		f.interests[categoryID] = append(f.interests[categoryID], in)
		json.NewEncoder(w).Encode(in)

	case p == "/3.0/batches" && r.Method == http.MethodPost:
		if f.failSubmitStatus != 0 {
			f.writeProblem(w, f.failSubmitStatus, "API Key Invalid")
			return
		}
		var req struct {
			Operations []BatchOperation `json:"operations"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.batchOps = append(f.batchOps, req.Operations)
		json.NewEncoder(w).Encode(BatchJob{
			ID:              fmt.Sprintf("job-%d", len(f.batchOps)),
			Status:          "pending",
			TotalOperations: len(req.Operations),
		})

	case strings.HasPrefix(p, "/3.0/batches/") && r.Method == http.MethodGet:
		status := f.batchStatuses[0]
		if len(f.batchStatuses) > 1 {
			f.batchStatuses = f.batchStatuses[1:]
		}
		job := BatchJob{ID: strings.TrimPrefix(p, "/3.0/batches/"), Status: status}
		if status == BatchJobFinished {
			job.ResponseBodyURL = f.srv.URL + "/results"
			if len(f.batchOps) > 0 {
				job.TotalOperations = len(f.batchOps[len(f.batchOps)-1])
				job.FinishedOperations = job.TotalOperations
			}
		}
		json.NewEncoder(w).Encode(job)

	case p == "/results":
		var results []map[string]interface{}
		if len(f.batchOps) > 0 {
			for _, op := range f.batchOps[len(f.batchOps)-1] {
				if f.omitResultKeys[op.OperationID] {
					continue
				}
				statusCode := 200
				response := `{"status":"subscribed"}`
				if code, fail := f.failUpsertEmails[op.OperationID]; fail {
					statusCode = code
					response = `{"title":"Invalid Resource","detail":"upsert rejected"}`
				}
				results = append(results, map[string]interface{}{
					"status_code":  statusCode,
					"operation_id": op.OperationID,
					"response":     response,
				})
			}
		}
		w.Write(buildResultsArchive(f.t, results))

	case strings.HasPrefix(p, "/3.0/lists/"+testListID+"/members/") && r.Method == http.MethodPut:
		if f.upsert503s > 0 {
			f.upsert503s--
			f.writeProblem(w, http.StatusServiceUnavailable, "Service Unavailable")
			return
		}
		body, _ := readBody(r)
		email := strings.ToLower(jsonField(body, "email_address"))
		if code, fail := f.failUpsertEmails[email]; fail {
			f.writeProblem(w, code, "Invalid Resource")
			return
		}
		f.upserts = append(f.upserts, email)
		json.NewEncoder(w).Encode(MemberUpsertResponse{
			ID:           strings.TrimPrefix(p, "/3.0/lists/"+testListID+"/members/"),
			EmailAddress: email,
			Status:       jsonField(body, "status"),
		})

	default:
		f.writeProblem(w, http.StatusNotFound, "Resource Not Found")
	}
}

func readBody(r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

func jsonField(body []byte, key string) string {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// buildResultsArchive packages per-operation results the way the batch
// results endpoint serves them: a gzipped tar of JSON documents.
func buildResultsArchive(t *testing.T, results []map[string]interface{}) []byte {
	t.Helper()

	doc, err := json.Marshal(results)
	if err != nil {
		t.Fatalf("failed to marshal results: %v", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	archive := tar.NewWriter(gz)
	if err := archive.WriteHeader(&tar.Header{
		Name:     "responses/results.json",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(doc)),
	}); err != nil {
		t.Fatalf("failed to write tar header: %v", err)
	}
	if _, err := archive.Write(doc); err != nil {
		t.Fatalf("failed to write tar body: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("failed to close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip: %v", err)
	}
	return buf.Bytes()
}

// testBatchSettings are fast thresholds for tests.
func testBatchSettings() BatchSettings {
	return BatchSettings{
		MaxItems:            500,
		MaxBytes:            4 << 20,
		PollInitialInterval: 2 * time.Millisecond,
		PollMaxInterval:     10 * time.Millisecond,
		PollMaxWait:         2 * time.Second,
		DrainDeadline:       5 * time.Second,
	}
}
