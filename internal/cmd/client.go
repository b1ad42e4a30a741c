package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchyard-chat/switchyard/internal/config"
)

const defaultAPIURL = "http://127.0.0.1:8095"

// apiClient calls the control API of a running switchyard.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// apiError is a non-2xx response from the control API.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
}

// newAPIClient resolves the API address from --api, $SWITCHYARD_API, the
// config file's api.addr, then the built-in default.
func newAPIClient(cmd *cobra.Command) *apiClient {
	base := flagOrEnv(cmd, "api", "SWITCHYARD_API")
	if base == "" {
		if cfg, err := config.Load(resolveConfigPath(cmd, nil)); err == nil {
			base = "http://" + cfg.API.Addr
		}
	}
	if base == "" {
		base = defaultAPIURL
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: flagOrEnv(cmd, "token", "SWITCHYARD_TOKEN"),
		http:  &http.Client{Timeout: 90 * time.Second},
	}
}

func flagOrEnv(cmd *cobra.Command, flag, env string) string {
	if f := cmd.Flag(flag); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return os.Getenv(env)
}

// do sends a request and decodes a JSON response into out, when out is non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("reach switchyard at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(data, &body)
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Message: body.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func sessionPath(id string, action ...string) string {
	p := "/api/sessions/" + url.PathEscape(id)
	for _, a := range action {
		p += "/" + a
	}
	return p
}
