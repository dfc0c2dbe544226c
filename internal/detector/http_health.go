package detector

import (
	"context"
	"net/http"
	"time"
)

// HTTPHealth is ready once GET URL answers with the expected status (200 by default).
// Connection errors mean "not yet", never a hard failure.
type HTTPHealth struct {
	URL     string
	Status  int
	Timeout time.Duration
	Client  *http.Client
}

func (d HTTPHealth) Ready() (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	_ = resp.Body.Close()
	want := d.Status
	if want == 0 {
		want = http.StatusOK
	}
	return resp.StatusCode == want, nil
}

func (d HTTPHealth) Describe() string { return "http:" + d.URL }
