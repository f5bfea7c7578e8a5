package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var serverURL string

var httpClient = &http.Client{Timeout: 30 * time.Second}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
}

// sessionURL joins the server URL with a session path.
func sessionURL(id, suffix string) string {
	url := fmt.Sprintf("%s/api/v1/sessions/%s", strings.TrimRight(serverURL, "/"), id)
	if suffix != "" {
		url += "/" + suffix
	}
	return url
}

// callAPI sends a request and decodes a JSON response into out when non-nil.
func callAPI(method, url string, wantStatus int, out interface{}) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("not found: %s", strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
