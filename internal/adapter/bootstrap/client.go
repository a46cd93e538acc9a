package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/domain"
)

// Sentinel errors for bootstrap service failures.
var (
	ErrUnreachable = errors.New("bootstrap service unreachable")
	ErrRejected    = errors.New("bootstrap rejected")
	ErrTimeout     = errors.New("bootstrap timeout")
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4 << 10

var _ domain.Bootstrapper = (*HTTPClient)(nil)

// HTTPClient installs the application into a tenant database by calling the
// application runtime's bootstrap endpoint.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a bootstrap client. token, when set, is sent as a
// bearer token.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type bootstrapRequest struct {
	TenantID     string   `json:"tenant_id"`
	TenantName   string   `json:"tenant_name"`
	Subdomain    string   `json:"subdomain"`
	DatabaseName string   `json:"database_name"`
	Modules      []string `json:"modules"`
	AdminLogin   string   `json:"admin_login"`
}

// Bootstrap installs req.Modules and creates the admin user. Any non-2xx
// response is a failure; the runtime guarantees a failed call left nothing
// behind that a database drop does not remove.
func (c *HTTPClient) Bootstrap(ctx context.Context, req domain.BootstrapRequest) error {
	payload, err := json.Marshal(bootstrapRequest{
		TenantID:     req.Handle.TenantID,
		TenantName:   req.TenantName,
		Subdomain:    req.Handle.Subdomain,
		DatabaseName: req.Handle.DatabaseName,
		Modules:      req.Modules,
		AdminLogin:   req.AdminLogin,
	})
	if err != nil {
		return fmt.Errorf("encoding bootstrap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/bootstrap", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Noop accepts every bootstrap request without doing anything. It is used
// when no bootstrap URL is configured.
type Noop struct {
	Logger *zap.Logger
}

func (n Noop) Bootstrap(_ context.Context, req domain.BootstrapRequest) error {
	if n.Logger != nil {
		n.Logger.Debug("skipping bootstrap",
			zap.String("tenant_id", req.Handle.TenantID),
			zap.Strings("modules", req.Modules),
		)
	}
	return nil
}
