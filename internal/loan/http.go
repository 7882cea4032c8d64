package loan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPConfig holds settings for the loan service client.
type HTTPConfig struct {
	BaseURL string        // e.g. "http://loans.internal:8081"
	Timeout time.Duration // per-request timeout
}

// DefaultHTTPConfig returns defaults for a loan service on localhost.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL: "http://localhost:8081",
		Timeout: 3 * time.Second,
	}
}

// HTTPSource reads loans from GET {base}/loans/{id}.
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource creates a Source backed by the loan service.
func NewHTTPSource(config HTTPConfig) *HTTPSource {
	return &HTTPSource{
		base:   strings.TrimRight(config.BaseURL, "/"),
		client: &http.Client{Timeout: config.Timeout},
	}
}

func (s *HTTPSource) GetLoan(ctx context.Context, loanID string) (Loan, error) {
	endpoint := s.base + "/loans/" + url.PathEscape(loanID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Loan{}, fmt.Errorf("loan: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Loan{}, ctx.Err()
		}
		return Loan{}, fmt.Errorf("loan: get %s: %w", loanID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Loan{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Loan{}, fmt.Errorf("loan: get %s: status %d: %s", loanID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var l Loan
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&l); err != nil {
		return Loan{}, fmt.Errorf("loan: decode %s: %w", loanID, err)
	}
	if l.ID == "" {
		l.ID = loanID
	}
	return l, nil
}
