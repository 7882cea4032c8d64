package loan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var fundedL1 = Loan{ID: "L1", Status: StatusFunded, BorrowerID: "A", LenderID: "B"}

func TestIsFundedParticipant(t *testing.T) {
	src := NewStaticSource(
		fundedL1,
		Loan{ID: "L2", Status: "pending", BorrowerID: "A", LenderID: "B"},
	)
	r := NewResolver(src)
	ctx := context.Background()

	tests := []struct {
		name      string
		loan      string
		user      string
		wantAuth  bool
		wantOther string
	}{
		{"borrower", "L1", "A", true, "B"},
		{"lender", "L1", "B", true, "A"},
		{"outsider", "L1", "C", false, ""},
		{"not funded", "L2", "A", false, ""},
		{"unknown loan", "L9", "A", false, ""},
		{"empty user", "L1", "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := r.IsFundedParticipant(ctx, tt.loan, tt.user)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Authorized != tt.wantAuth || m.OtherParty != tt.wantOther {
				t.Errorf("got %+v, want authorized=%v other=%q", m, tt.wantAuth, tt.wantOther)
			}
		})
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/loans/L1":
			_ = json.NewEncoder(w).Encode(fundedL1)
		case "/loans/slow":
			time.Sleep(200 * time.Millisecond)
			_ = json.NewEncoder(w).Encode(fundedL1)
		case "/loans/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{BaseURL: srv.URL + "/", Timeout: time.Second})
	ctx := context.Background()

	l, err := src.GetLoan(ctx, "L1")
	if err != nil {
		t.Fatalf("GetLoan: %v", err)
	}
	if l != fundedL1 {
		t.Errorf("got %+v, want %+v", l, fundedL1)
	}

	if _, err := src.GetLoan(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := src.GetLoan(ctx, "broken"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected a service error, got %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := src.GetLoan(short, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func newCached(t *testing.T, src Source) (*CachedSource, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCachedSource(src, client, CacheConfig{TTL: time.Minute, NegativeTTL: 5 * time.Second}), mr
}

func TestCachedSourceHitsBackendOnce(t *testing.T) {
	backend := NewStaticSource(fundedL1)
	cached, mr := newCached(t, backend)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l, err := cached.GetLoan(ctx, "L1")
		if err != nil {
			t.Fatalf("GetLoan: %v", err)
		}
		if l.LenderID != "B" {
			t.Fatalf("unexpected loan %+v", l)
		}
	}
	if backend.Calls() != 1 {
		t.Fatalf("expected 1 backend call, got %d", backend.Calls())
	}
	if ttl := mr.TTL(cachePrefix + "L1"); ttl != time.Minute {
		t.Errorf("expected funded ttl 1m, got %s", ttl)
	}
}

func TestCachedSourceNegativeEntryExpires(t *testing.T) {
	backend := NewStaticSource()
	cached, mr := newCached(t, backend)
	ctx := context.Background()

	if _, err := cached.GetLoan(ctx, "L1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := cached.GetLoan(ctx, "L1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cached ErrNotFound, got %v", err)
	}
	if backend.Calls() != 1 {
		t.Fatalf("negative result should be cached, backend calls = %d", backend.Calls())
	}

	backend.Put(fundedL1)
	mr.FastForward(6 * time.Second)

	l, err := cached.GetLoan(ctx, "L1")
	if err != nil {
		t.Fatalf("expected loan after negative ttl, got %v", err)
	}
	if !l.Funded() {
		t.Fatalf("expected funded loan, got %+v", l)
	}
}

func TestCachedSourceRedisDown(t *testing.T) {
	backend := NewStaticSource(fundedL1)
	cached, mr := newCached(t, backend)
	mr.Close()

	l, err := cached.GetLoan(context.Background(), "L1")
	if err != nil {
		t.Fatalf("redis outage must fall through to the backend, got %v", err)
	}
	if l.ID != "L1" {
		t.Fatalf("unexpected loan %+v", l)
	}
}
