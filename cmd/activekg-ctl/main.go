// Command activekg-ctl is a small flag-based client for activekg's
// /admin/* and /_admin/connectors/* endpoints, for local operational use
// (migrate, refresh, rotate keys, purge). It does not own any state; every
// subcommand is a thin HTTP call against a running activekg server.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	baseURL := os.Getenv("ACTIVEKG_ADDR")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	token := os.Getenv("ACTIVEKG_TOKEN")

	cmd := os.Args[1]
	args := os.Args[2:]

	client := &http.Client{Timeout: 30 * time.Second}

	var err error
	switch cmd {
	case "migrate":
		err = post(client, baseURL, token, "/admin/migrate", nil)
	case "refresh":
		fs := flag.NewFlagSet("refresh", flag.ExitOnError)
		tenant := fs.String("tenant", "", "tenant id")
		ids := fs.String("ids", "", "comma-separated node ids, empty for all due")
		fs.Parse(args)
		err = post(client, baseURL, token, "/admin/refresh", map[string]interface{}{
			"tenant_id": *tenant,
			"node_ids":  splitCSV(*ids),
		})
	case "anomalies":
		err = post(client, baseURL, token, "/admin/anomalies", nil)
	case "rotate-keys":
		fs := flag.NewFlagSet("rotate-keys", flag.ExitOnError)
		dryRun := fs.Bool("dry-run", false, "report without rotating")
		providers := fs.String("providers", "", "comma-separated provider filter")
		tenants := fs.String("tenants", "", "comma-separated tenant filter")
		fs.Parse(args)
		err = post(client, baseURL, token, "/_admin/connectors/rotate_keys", map[string]interface{}{
			"dry_run":   *dryRun,
			"providers": splitCSV(*providers),
			"tenants":   splitCSV(*tenants),
		})
	case "purge":
		fs := flag.NewFlagSet("purge", flag.ExitOnError)
		tenant := fs.String("tenant", "", "tenant id")
		batchSize := fs.Int("batch-size", 100, "rows per purge batch")
		dryRun := fs.Bool("dry-run", false, "report without deleting")
		fs.Parse(args)
		err = post(client, baseURL, token, "/_admin/connectors/purge_deleted", map[string]interface{}{
			"tenant_id":  *tenant,
			"batch_size": *batchSize,
			"dry_run":    *dryRun,
		})
	case "health":
		err = get(client, baseURL, token, "/health")
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "activekg-ctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: activekg-ctl <command> [flags]

commands:
  migrate               apply pending schema migrations
  refresh [-tenant -ids]  force-refresh due (or named) nodes
  anomalies             report nodes overdue for refresh
  rotate-keys [-dry-run -providers -tenants]  rotate connector credential keys
  purge [-tenant -batch-size -dry-run]        hard-delete tombstoned nodes past grace
  health                print server health

environment:
  ACTIVEKG_ADDR   server base URL (default http://127.0.0.1:8080)
  ACTIVEKG_TOKEN  bearer token for admin:refresh scope`)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func post(client *http.Client, baseURL, token, path string, body interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req, token)
}

func get(client *http.Client, baseURL, token, path string) error {
	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	return do(client, req, token)
}

func do(client *http.Client, req *http.Request, token string) error {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, respBody, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(respBody))
	}
	return nil
}
