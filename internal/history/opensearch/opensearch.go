// Package opensearch indexes session events into OpenSearch (or
// Elasticsearch) through its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/partest/internal/history"
)

type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Timeout  time.Duration // default 5s
}

// Sink PUTs each event to {BaseURL}/{Index}/_doc/{id}. The id is derived
// from the event, so a retried send overwrites instead of duplicating.
type Sink struct {
	client *http.Client
	opts   Options
	host   string
}

func New(opts Options) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	host, _ := os.Hostname()
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts, host: host}
}

type document struct {
	history.Event
	Timestamp time.Time `json:"@timestamp"`
	Host      string    `json:"host,omitempty"`
}

// DocID identifies e within its session.
func DocID(e history.Event) string {
	return strings.Join([]string{
		e.SessionID,
		string(e.Type),
		strconv.Itoa(e.PID),
		strconv.FormatInt(e.OccurredAt.UnixNano(), 10),
	}, "-")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{Event: e, Timestamp: e.OccurredAt, Host: s.host})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := s.opts.BaseURL + "/" + url.PathEscape(s.opts.Index) + "/_doc/" + url.PathEscape(DocID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch index %s: %w", s.opts.Index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.opts.Index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
