package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"podline/internal/domain"
)

// HTTPSummarizer posts the work order and its execution context to an
// external summarization service and expects a Receipts document back.
type HTTPSummarizer struct {
	URL    string
	Client *http.Client
}

type summarizeRequest struct {
	WorkOrder *domain.WorkOrder `json:"work_order"`
	Context   Context           `json:"context"`
}

func NewHTTPSummarizer(url string, timeout time.Duration) *HTTPSummarizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSummarizer{URL: strings.TrimRight(url, "/"), Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSummarizer) Summarize(ctx context.Context, wo *domain.WorkOrder, ec Context) (domain.Receipts, error) {
	body, err := json.Marshal(summarizeRequest{WorkOrder: wo, Context: ec})
	if err != nil {
		return domain.Receipts{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return domain.Receipts{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Receipts{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Receipts{}, err
	}
	if resp.StatusCode >= 300 {
		return domain.Receipts{}, fmt.Errorf("summarizer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out domain.Receipts
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.Receipts{}, fmt.Errorf("decode summarizer response: %w", err)
	}
	if out.Executive.Title == "" && out.Executive.Summary == "" {
		return domain.Receipts{}, fmt.Errorf("summarizer returned an empty executive summary")
	}
	out.Source = SourceSummarizer
	return out, nil
}
