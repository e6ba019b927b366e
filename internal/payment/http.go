package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hiveroute/hived/internal/core/hive"
)

// Backend names accepted in configuration for the payment rail.
const (
	// BackendFake is the in-memory collaborator. It settles legs against
	// nothing and is only suitable for tests and dry runs; the daemon
	// refuses automatic execution on it.
	BackendFake = "fake"

	// BackendHTTP drives an external payment processor over HTTP.
	BackendHTTP = "http"
)

// ValidBackend reports whether name names a supported payment backend.
func ValidBackend(name string) bool {
	switch name {
	case BackendFake, BackendHTTP:
		return true
	}
	return false
}

// HTTPCollaborator executes legs through an external payment processor. The
// processor exposes POST endpoints /pay and /escrow accepting
// {"to","amount_sats"} and answering {"proof_ref"} on success.
type HTTPCollaborator struct {
	base   string
	client *http.Client
}

// NewHTTPCollaborator creates a collaborator against the processor at
// endpoint. Deadlines come from the caller's context.
func NewHTTPCollaborator(endpoint string) *HTTPCollaborator {
	return &HTTPCollaborator{
		base:   strings.TrimRight(endpoint, "/"),
		client: &http.Client{},
	}
}

// PayLeg implements Collaborator.
func (c *HTTPCollaborator) PayLeg(ctx context.Context, to hive.PeerID, amountSats int64) (string, error) {
	return c.post(ctx, "/pay", to, amountSats)
}

// Escrow implements Collaborator.
func (c *HTTPCollaborator) Escrow(ctx context.Context, to hive.PeerID, amountSats int64) (string, error) {
	return c.post(ctx, "/escrow", to, amountSats)
}

func (c *HTTPCollaborator) post(ctx context.Context, path string, to hive.PeerID, amountSats int64) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"to":          to,
		"amount_sats": amountSats,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling payment processor: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payment processor returned %d: %s", resp.StatusCode, raw)
	}

	var decoded struct {
		ProofRef string `json:"proof_ref"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("unexpected processor response: %s", raw)
	}
	if decoded.ProofRef == "" {
		return "", fmt.Errorf("processor response carries no proof_ref")
	}
	return decoded.ProofRef, nil
}
