package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dtable-io/automationd/internal/dispatch"
	"github.com/dtable-io/automationd/internal/metacache"
	"github.com/golang-jwt/jwt/v5"
)

func TestExecutePostsRuleContext(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if errDecode := json.NewDecoder(r.Body).Decode(&gotBody); errDecode != nil {
			t.Errorf("decode body: %v", errDecode)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, "secret")
	rc := &dispatch.RuleContext{
		RuleID:       12,
		RunCondition: "per_update",
		DTableUUID:   "11111111-1111-1111-1111-111111111111",
		Creator:      "alice@example.com",
	}
	if errExec := e.Execute(context.Background(), rc); errExec != nil {
		t.Fatalf("execute: %v", errExec)
	}

	if gotPath != runPath {
		t.Fatalf("expected path %s, got %s", runPath, gotPath)
	}
	if gotBody["rule_id"] != float64(12) {
		t.Fatalf("expected rule_id 12 in body, got %v", gotBody["rule_id"])
	}

	token, errParse := jwt.Parse(strings.TrimPrefix(gotAuth, "Token "), func(tok *jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	})
	if errParse != nil || !token.Valid {
		t.Fatalf("token must verify with the shared key: %v", errParse)
	}
	claims := token.Claims.(jwt.MapClaims)
	if claims["dtable_uuid"] != rc.DTableUUID {
		t.Fatalf("token must be scoped to the dtable, got %v", claims["dtable_uuid"])
	}
}

func TestExecuteEmbedsCachedMetadata(t *testing.T) {
	metadataHits := 0
	var runBodies []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/metadata/") {
			metadataHits++
			_, _ = w.Write([]byte(`{"tables":[{"name":"Table1"}]}`))
			return
		}
		var body map[string]interface{}
		if errDecode := json.NewDecoder(r.Body).Decode(&body); errDecode != nil {
			t.Errorf("decode run body: %v", errDecode)
		}
		runBodies = append(runBodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, "secret")
	cache := metacache.NewIntervalCache(e.Metadata)

	for ruleID := uint64(1); ruleID <= 2; ruleID++ {
		rc := &dispatch.RuleContext{
			RuleID:     ruleID,
			DTableUUID: "11111111-1111-1111-1111-111111111111",
			Metadata:   cache,
		}
		if errExec := e.Execute(context.Background(), rc); errExec != nil {
			t.Fatalf("execute rule %d: %v", ruleID, errExec)
		}
	}

	if metadataHits != 1 {
		t.Fatalf("two firings on one base must share one metadata fetch, got %d", metadataHits)
	}
	if len(runBodies) != 2 {
		t.Fatalf("expected 2 run calls, got %d", len(runBodies))
	}
	for _, body := range runBodies {
		doc, ok := body["dtable_metadata"].(map[string]interface{})
		if !ok {
			t.Fatalf("run payload must embed the metadata document, got %v", body["dtable_metadata"])
		}
		if _, hasTables := doc["tables"]; !hasTables {
			t.Fatal("embedded metadata must be the fetched document")
		}
	}
}

func TestExecuteMetadataFailureFailsTheFiring(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/metadata/") {
			http.Error(w, "metadata service down", http.StatusBadGateway)
			return
		}
		t.Error("run endpoint must not be reached when metadata is unavailable")
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, "secret")
	rc := &dispatch.RuleContext{
		RuleID:     5,
		DTableUUID: "11111111-1111-1111-1111-111111111111",
		Metadata:   metacache.NewIntentCache(e.Metadata),
	}
	if errExec := e.Execute(context.Background(), rc); errExec == nil {
		t.Fatal("expected error when the metadata fetch fails")
	}
}

func TestExecuteNon2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rule evaluation blew up", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, "secret")
	errExec := e.Execute(context.Background(), &dispatch.RuleContext{RuleID: 12})
	if errExec == nil {
		t.Fatal("expected error on 500")
	}
	if !strings.Contains(errExec.Error(), "status=500") {
		t.Fatalf("error must carry the status, got %v", errExec)
	}
}

func TestExecuteNotConfigured(t *testing.T) {
	e := NewHTTPExecutor("", "secret")
	if errExec := e.Execute(context.Background(), &dispatch.RuleContext{}); errExec == nil {
		t.Fatal("expected error when base url is empty")
	}
}

func TestMetadataFetchesDocument(t *testing.T) {
	doc := `{"tables":[{"name":"Table1"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/dtables/11111111111111111111111111111111/metadata/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(doc))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, "secret")
	got, errMeta := e.Metadata(context.Background(), "11111111111111111111111111111111")
	if errMeta != nil {
		t.Fatalf("metadata: %v", errMeta)
	}
	if string(got) != doc {
		t.Fatalf("expected %s, got %s", doc, got)
	}
}

func TestMetadataNon200IsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such base", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, "secret")
	if _, errMeta := e.Metadata(context.Background(), "11111111111111111111111111111111"); errMeta == nil {
		t.Fatal("expected error on 404")
	}
}
