package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/jsbridge/internal/bridge"
	"github.com/seantiz/jsbridge/internal/model"
)

func deleteContext(t *testing.T, baseURL, id string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, baseURL+"/v1/contexts/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestCreateContext(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	first := createContext(t, ts.URL)
	second := createContext(t, ts.URL)

	if first != "qjs-ctx-1" || second != "qjs-ctx-2" {
		t.Errorf("ids = %q, %q, want qjs-ctx-1, qjs-ctx-2", first, second)
	}
}

func TestCreateContextCapacity(t *testing.T) {
	srv := newTestServerWith(t, bridge.Options{Capacity: 1}, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createContext(t, ts.URL)

	resp, err := http.Post(ts.URL+"/v1/contexts", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(body, "context capacity exceeded") {
		t.Errorf("body = %q, want capacity error", body)
	}
}

func TestEvaluate(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := createContext(t, ts.URL)

	tests := []struct {
		name   string
		code   string
		status int
		want   string
	}{
		{"number", "1 + 2", http.StatusOK, "3"},
		{"object", "({a: [1, 'x']})", http.StatusOK, `{"a":[1,"x"]}`},
		{"undefined", "undefined", http.StatusOK, "null"},
		{"throw error", "throw new Error('boom')", http.StatusUnprocessableEntity, `{"error":"Error: boom"}`},
		{"throw string", "throw 'plain'", http.StatusUnprocessableEntity, `{"error":"plain"}`},
		{"syntax", "let = ;", http.StatusUnprocessableEntity, `{"error":"SyntaxError`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := evalCode(t, ts.URL, id, tt.code)
			if status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if !strings.HasPrefix(body, tt.want) {
				t.Errorf("body = %q, want prefix %q", body, tt.want)
			}
		})
	}
}

func TestEvaluateKeepsGlobals(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := createContext(t, ts.URL)
	evalCode(t, ts.URL, id, "var counter = 41")

	if _, body := evalCode(t, ts.URL, id, "++counter"); body != "42" {
		t.Errorf("body = %q, want %q", body, "42")
	}
}

func TestEvaluateNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	status, body := evalCode(t, ts.URL, "qjs-ctx-99", "1")
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if body != `{"error":"Context not found"}` {
		t.Errorf("body = %q", body)
	}
}

func TestEvaluateInvalidBody(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := createContext(t, ts.URL)
	resp, err := http.Post(ts.URL+"/v1/contexts/"+id+"/eval", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDisposeContext(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := createContext(t, ts.URL)

	for range 2 {
		if status := deleteContext(t, ts.URL, id); status != http.StatusNoContent {
			t.Errorf("status = %d, want 204", status)
		}
	}

	if status, _ := evalCode(t, ts.URL, id, "1"); status != http.StatusNotFound {
		t.Errorf("eval after dispose status = %d, want 404", status)
	}
	if next := createContext(t, ts.URL); next == id {
		t.Errorf("identifier %q reissued after dispose", id)
	}
}

func TestDrainAndResolve(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := createContext(t, ts.URL)
	evalCode(t, ts.URL, id, `
		var log = [];
		var settle;
		new Promise(function (resolve) { settle = resolve; }).then(function (v) { log.push(v); });
		setTimeout(function () { log.push("timer"); }, 0);
	`)

	resp := postJSON(t, ts.URL+"/v1/contexts/"+id+"/drain", struct{}{})
	var drained drainResponse
	if err := json.NewDecoder(resp.Body).Decode(&drained); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if drained.Jobs != 1 {
		t.Errorf("jobs = %d, want 1", drained.Jobs)
	}
	if drained.NextJobMS != nil {
		t.Errorf("next_job_ms = %d, want unset", *drained.NextJobMS)
	}

	resp = postJSON(t, ts.URL+"/v1/contexts/"+id+"/resolve", codeRequest{Code: "settle('done')"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("resolve status = %d, want 204", resp.StatusCode)
	}

	if _, body := evalCode(t, ts.URL, id, "log"); body != `["timer","done"]` {
		t.Errorf("log = %s, want [\"timer\",\"done\"]", body)
	}
}

func TestDrainReportsFutureTimer(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := createContext(t, ts.URL)
	evalCode(t, ts.URL, id, `setTimeout(function () {}, 3600000)`)

	resp := postJSON(t, ts.URL+"/v1/contexts/"+id+"/drain", struct{}{})
	var drained drainResponse
	if err := json.NewDecoder(resp.Body).Decode(&drained); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if drained.Jobs != 0 {
		t.Errorf("jobs = %d, want 0", drained.Jobs)
	}
	if drained.NextJobMS == nil || *drained.NextJobMS < 3500000 {
		t.Errorf("next_job_ms = %v, want about an hour", drained.NextJobMS)
	}

	if status := deleteContext(t, ts.URL, id); status != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", status)
	}
}

func TestResolveUnknownContext(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/contexts/nope/resolve", codeRequest{Code: "1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestListAndGetContexts(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for range 3 {
		createContext(t, ts.URL)
	}
	deleteContext(t, ts.URL, "qjs-ctx-2")

	resp, err := http.Get(ts.URL + "/v1/contexts?limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var list listContextsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if list.Total != 3 || len(list.Contexts) != 2 || list.Limit != 2 {
		t.Errorf("list = total %d, len %d, limit %d; want 3, 2, 2", list.Total, len(list.Contexts), list.Limit)
	}

	resp, err = http.Get(ts.URL + "/v1/contexts/qjs-ctx-2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var got struct {
		ContextID string `json:"context_id"`
		Status    string `json:"status"`
		Live      bool   `json:"live"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if got.ContextID != "qjs-ctx-2" || got.Status != model.StatusDisposed || got.Live {
		t.Errorf("context = %+v, want disposed qjs-ctx-2", got)
	}

	resp, err = http.Get(ts.URL + "/v1/contexts/qjs-ctx-9")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown context status = %d, want 404", resp.StatusCode)
	}
}

func TestListContextsWithoutJournal(t *testing.T) {
	srv := newTestServerWith(t, bridge.Options{}, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := createContext(t, ts.URL)

	resp, err := http.Get(ts.URL + "/v1/contexts")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var list listContextsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if list.Total != 1 || list.Contexts[0].ContextID != id {
		t.Errorf("list = %+v, want single %q", list, id)
	}

	resp, err = http.Get(ts.URL + "/v1/contexts/" + id + "/evaluations")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("evaluations status = %d, want 503", resp.StatusCode)
	}
}

func TestListEvaluations(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := createContext(t, ts.URL)
	evalCode(t, ts.URL, id, "1 + 1")
	evalCode(t, ts.URL, id, "throw 'bad'")

	resp, err := http.Get(ts.URL + "/v1/contexts/" + id + "/evaluations")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var evals []model.Evaluation
	if err := json.NewDecoder(resp.Body).Decode(&evals); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evals) != 2 {
		t.Fatalf("len = %d, want 2", len(evals))
	}
	if evals[0].Result != "2" || evals[0].Outcome != model.OutcomeValue {
		t.Errorf("evals[0] = %+v", evals[0])
	}
	if evals[1].Result != `{"error":"bad"}` || evals[1].Outcome != model.OutcomeException {
		t.Errorf("evals[1] = %+v", evals[1])
	}
}
