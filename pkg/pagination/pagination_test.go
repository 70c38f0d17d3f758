package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	return e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=50&offset=10"))

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_Bounds(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"/?limit=500", MaxLimit, 0},
		{"/?limit=-3", DefaultLimit, 0},
		{"/?limit=abc&offset=xyz", DefaultLimit, 0},
		{"/?offset=-5", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(contextFor(tt.query))
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%s: expected %d/%d, got %d/%d", tt.query, tt.wantLimit, tt.wantOffset, p.Limit, p.Offset)
		}
	}
}

func TestNewResponse(t *testing.T) {
	data := []string{"a", "b"}
	resp := NewResponse(data, 10, 2, 0)

	if resp.Total != 10 {
		t.Errorf("expected total 10, got %d", resp.Total)
	}
	if !resp.HasMore {
		t.Error("expected HasMore to be true")
	}

	last := NewResponse(data, 10, 2, 8)
	if last.HasMore {
		t.Error("expected HasMore to be false on the last page")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 20, Offset: 10}
	if p.NextOffset() != 30 {
		t.Errorf("expected next offset 30, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if !p.HasPrevious() {
		t.Error("expected HasPrevious")
	}
	if (Params{Limit: 20}).HasPrevious() {
		t.Error("first page has no previous")
	}
}

func TestResponse_WithLinks(t *testing.T) {
	q := url.Values{"status": {"active"}}

	first := NewResponse(nil, 50, 20, 0).WithLinks("/api/v1/patients", q)
	if first.Links.Self != "/api/v1/patients?limit=20&offset=0&status=active" {
		t.Errorf("unexpected self link: %s", first.Links.Self)
	}
	if first.Links.Next != "/api/v1/patients?limit=20&offset=20&status=active" {
		t.Errorf("unexpected next link: %s", first.Links.Next)
	}
	if first.Links.Previous != "" {
		t.Errorf("first page should have no previous link, got %s", first.Links.Previous)
	}

	last := NewResponse(nil, 50, 20, 40).WithLinks("/api/v1/patients", q)
	if last.Links.Next != "" {
		t.Errorf("last page should have no next link, got %s", last.Links.Next)
	}
	if last.Links.Previous != "/api/v1/patients?limit=20&offset=20&status=active" {
		t.Errorf("unexpected previous link: %s", last.Links.Previous)
	}

	if q.Get("limit") != "" {
		t.Error("WithLinks must not modify the caller's query")
	}
}
