package relgate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bigredeye/relgate/api"
	"github.com/bigredeye/relgate/internal/controller"
	"github.com/bigredeye/relgate/internal/models"
)

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.Status{Error: "Invalid or expired token"})
			return
		}
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/runs":
			req := api.StartRunRequest{}
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(api.RunResponse{
				Status: api.Status{Ok: true},
				Run:    &controller.Run{ID: "r1", State: models.RunStatePending, Tags: req.Tags},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/api/runs/r1":
			_ = json.NewEncoder(w).Encode(api.RunResponse{
				Status: api.Status{Ok: true},
				Run:    &controller.Run{ID: "r1", State: models.RunStateDenied},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/runs/r1/abort":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(api.Status{Error: "Run r1 is already denied"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/runs":
			if r.URL.Query().Get("pipeline") != "web" || r.URL.Query().Get("limit") != "5" {
				t.Errorf("Unexpected query %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(api.RunsResponse{
				Status: api.Status{Ok: true},
				Runs:   []api.RunInfo{{ID: "r1", Pipeline: "web", State: models.RunStateDenied}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(api.Status{Error: "not found"})
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "secret")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	run, err := client.StartRun([]string{"v1"})
	if err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}
	if run.ID != "r1" || !cmp.Equal(run.Tags, []string{"v1"}) {
		t.Fatalf("Unexpected run %+v", run)
	}

	run, err = client.LoadRun("r1")
	if err != nil {
		t.Fatalf("Failed to load run: %v", err)
	}
	if run.State != models.RunStateDenied {
		t.Fatalf("Unexpected state %s", run.State)
	}

	if _, err := client.AbortRun("r1"); err == nil {
		t.Fatalf("Expected abort of a finished run to fail")
	}

	runs, err := client.ListRuns("web", 5)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	expected := []api.RunInfo{{ID: "r1", Pipeline: "web", State: models.RunStateDenied}}
	if diff := cmp.Diff(expected, runs); diff != "" {
		t.Fatalf("Unexpected runs (-want +got):\n%s", diff)
	}

	unauthorized, _ := NewClient(srv.URL, "wrong")
	if _, err := unauthorized.LoadRun("r1"); err == nil {
		t.Fatalf("Expected unauthorized error")
	}
}
