package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cirrusops/cirrus/pkg/api"
	"github.com/cirrusops/cirrus/pkg/engine"
)

// apiClient talks to a cirrus server on behalf of one tenant.
type apiClient struct {
	base   *url.URL
	tenant string
	http   *http.Client
}

// apiError is an error response from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func newAPIClient(server, tenant string) (*apiClient, error) {
	if tenant == "" {
		return nil, errors.New("tenant is required (--tenant or CIRRUS_TENANT)")
	}
	base, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", server)
	}
	return &apiClient{
		base:   base,
		tenant: tenant,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := *c.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.TenantHeader, c.tenant)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends a request with a 30 second deadline and decodes the JSON response into out.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &apiError{Status: resp.StatusCode, Message: body.Error}
}

func (c *apiClient) enqueue(ctx context.Context, req engine.EnqueueRequest) (*engine.Deployment, error) {
	var d engine.Deployment
	if err := c.do(ctx, http.MethodPost, "/v1/deployments", nil, req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *apiClient) deployment(ctx context.Context, id string) (*engine.Deployment, error) {
	var d engine.Deployment
	if err := c.do(ctx, http.MethodGet, "/v1/deployments/"+url.PathEscape(id), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *apiClient) deployments(ctx context.Context, machineID string) ([]*engine.Deployment, error) {
	var q url.Values
	if machineID != "" {
		q = url.Values{"machine_id": {machineID}}
	}
	var out struct {
		Deployments []*engine.Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/deployments", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Deployments, nil
}

func (c *apiClient) deploymentAction(ctx context.Context, id, action string) (*engine.Deployment, error) {
	var d engine.Deployment
	if err := c.do(ctx, http.MethodPost, "/v1/deployments/"+url.PathEscape(id)+"/"+action, nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// logs calls fn for each log line after the cursor. With follow it returns
// when the deployment finishes or ctx is cancelled.
func (c *apiClient) logs(ctx context.Context, id string, after int64, follow bool, fn func(engine.LogLine) error) error {
	q := url.Values{"after": {strconv.FormatInt(after, 10)}}
	if follow {
		q.Set("follow", "true")
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/v1/deployments/"+url.PathEscape(id)+"/logs", q, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var line engine.LogLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return fmt.Errorf("malformed log line: %w", err)
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *apiClient) machine(ctx context.Context, id string) (*engine.Machine, error) {
	var m engine.Machine
	if err := c.do(ctx, http.MethodGet, "/v1/machines/"+url.PathEscape(id), nil, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *apiClient) machines(ctx context.Context) ([]*engine.Machine, error) {
	var out struct {
		Machines []*engine.Machine `json:"machines"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/machines", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Machines, nil
}

func (c *apiClient) setDesired(ctx context.Context, id string, status engine.MachineStatus) (*engine.Machine, error) {
	var m engine.Machine
	body := map[string]engine.MachineStatus{"status": status}
	if err := c.do(ctx, http.MethodPut, "/v1/machines/"+url.PathEscape(id)+"/desired", nil, body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *apiClient) reconcile(ctx context.Context, id string) (*engine.Machine, error) {
	var m engine.Machine
	if err := c.do(ctx, http.MethodPost, "/v1/machines/"+url.PathEscape(id)+"/reconcile", nil, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// wait polls a deployment until it reaches a terminal state or waits for approval.
func (c *apiClient) wait(ctx context.Context, id string, interval time.Duration) (*engine.Deployment, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d, err := c.deployment(ctx, id)
		if err != nil {
			return nil, err
		}
		if d.State.IsTerminal() || d.State == engine.DeploymentAwaitingApproval {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-ticker.C:
		}
	}
}
