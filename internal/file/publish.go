package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/practable/dispatch/internal/queue"
)

// HTTPPublisher publishes through a server's HTTP API
type HTTPPublisher struct {
	api    string
	client *http.Client
}

// NewHTTPPublisher returns a publisher for the server at api, e.g. http://127.0.0.1:8090
func NewHTTPPublisher(api string) *HTTPPublisher {
	return &HTTPPublisher{
		api:    strings.TrimSuffix(api, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish queues message on channel
func (h *HTTPPublisher) Publish(ctx context.Context, channel string, priority queue.Priority, message json.RawMessage) error {

	target := h.api + "/api/v1/publish/" + url.PathEscape(channel) + "?priority=" + priority.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		reply, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(reply)))
	}

	return nil
}
