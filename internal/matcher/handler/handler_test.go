package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/activitymesh/matchengine/internal/grid"
	"github.com/activitymesh/matchengine/internal/matcher"
	pkgerrors "github.com/activitymesh/matchengine/pkg/errors"
	"github.com/goccy/go-json"
)

type fakeRunner struct {
	outcome *matcher.Outcome
	err     error
	got     matcher.Request
}

func (f *fakeRunner) Submit(ctx context.Context, req matcher.Request) (*matcher.Outcome, error) {
	f.got = req
	return f.outcome, f.err
}

type staticCells []grid.Cell

func (s staticCells) LoadCells(ctx context.Context) ([]grid.Cell, error) {
	return s, nil
}

func testIndex(t *testing.T) *grid.Index {
	t.Helper()
	ix := grid.NewIndex(staticCells{
		{ID: 1, Token: "cell-a", LatBucket: grid.BucketKey(41.88), LonBucket: grid.BucketKey(-87.63), CenterLat: 41.88, CenterLon: -87.63},
	})
	if err := ix.Initialize(context.Background()); err != nil {
		t.Fatalf("index init: %v", err)
	}
	return ix
}

func newHandler(t *testing.T, runner *fakeRunner) *Handler {
	t.Helper()
	return New(runner, testIndex(t), func(ctx context.Context) error { return nil }, 50, 500)
}

func TestMatchSuccess(t *testing.T) {
	runner := &fakeRunner{outcome: &matcher.Outcome{
		Requester: "req",
		Mode:      matcher.ModeFull,
		Counts:    &matcher.Counts{Send: 2, Receive: 1},
	}}
	h := newHandler(t, runner)

	body := strings.NewReader(`{"requester":"req","limit":10}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/match", body)
	rec := httptest.NewRecorder()
	h.Match(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out matcher.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.Counts.Send != 2 {
		t.Errorf("send count = %d, want 2", out.Counts.Send)
	}
	if runner.got.Limit != 10 {
		t.Errorf("limit = %d, want 10", runner.got.Limit)
	}
}

func TestMatchValidation(t *testing.T) {
	h := newHandler(t, &fakeRunner{})

	for _, body := range []string{`{`, `{}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/match", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Match(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestMatchModeForcedAndLimitClamped(t *testing.T) {
	runner := &fakeRunner{outcome: &matcher.Outcome{Counts: &matcher.Counts{}}}
	h := newHandler(t, runner)

	body := strings.NewReader(`{"requester":"req","mode":"full","limit":99999}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/match/counts", body)
	rec := httptest.NewRecorder()
	h.MatchCounts(rec, req)

	if runner.got.Mode != matcher.ModeCounts {
		t.Errorf("mode = %q, want counts", runner.got.Mode)
	}
	if runner.got.Limit != 500 {
		t.Errorf("limit = %d, want clamped to 500", runner.got.Limit)
	}
}

func TestMatchErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pkgerrors.ErrPersonNotFound, http.StatusNotFound},
		{pkgerrors.ErrNoGridLocation, http.StatusBadRequest},
		{pkgerrors.ErrStageFailed, http.StatusInternalServerError},
		{pkgerrors.ErrCacheUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		h := newHandler(t, &fakeRunner{err: tt.err})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/match", strings.NewReader(`{"requester":"req"}`))
		rec := httptest.NewRecorder()
		h.Match(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestGridNearby(t *testing.T) {
	h := newHandler(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/grid/nearby?lat=41.88&lon=-87.63&radius_km=10", nil)
	rec := httptest.NewRecorder()
	h.GridNearby(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Cells []grid.Neighbor `json:"cells"`
		Count int             `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || out.Cells[0].Token != "cell-a" {
		t.Errorf("result = %+v", out)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/grid/nearby?lat=abc&lon=1", nil)
	rec = httptest.NewRecorder()
	h.GridNearby(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad lat: status = %d, want 400", rec.Code)
	}
}

func TestGridRefresh(t *testing.T) {
	called := false
	h := New(&fakeRunner{}, testIndex(t), func(ctx context.Context) error {
		called = true
		return nil
	}, 50, 500)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/grid/refresh", nil)
	rec := httptest.NewRecorder()
	h.GridRefresh(rec, req)

	if rec.Code != http.StatusOK || !called {
		t.Errorf("status = %d, called = %v", rec.Code, called)
	}
}
