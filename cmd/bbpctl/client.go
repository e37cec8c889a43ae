package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

// getJSON issues a GET against addr+path and decodes the JSON body into
// out.
func getJSON(cmd *cobra.Command, path string, out interface{}) error {
	addr, _ := cmd.Flags().GetString("addr")
	resp, err := httpClient.Get(addr + path)
	if err != nil {
		return fmt.Errorf("GET %s%s: %w", addr, path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

// postJSON issues a POST against addr+path (with no body) and decodes
// the JSON response into out.
func postJSON(cmd *cobra.Command, path string, out interface{}) error {
	addr, _ := cmd.Flags().GetString("addr")
	resp, err := httpClient.Post(addr+path, "application/json", http.NoBody)
	if err != nil {
		return fmt.Errorf("POST %s%s: %w", addr, path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
