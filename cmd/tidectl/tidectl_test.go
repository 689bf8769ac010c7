package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aalhour/tidekv"
)

// run executes tidectl against dir and returns its output.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(context.Background(), append([]string{"tidectl", "--db", dir}, args...))
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	if err != nil {
		t.Fatalf("tidectl %s failed: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestColumnFamilyCommands(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "cf", "create", "users")
	mustRun(t, dir, "cf", "create", "orders")
	if got := mustRun(t, dir, "cf", "list"); got != "orders\nusers\n" {
		t.Errorf("cf list = %q", got)
	}
	if _, err := run(t, dir, "cf", "create", "users"); !errors.Is(err, tidekv.ErrExists) {
		t.Errorf("duplicate create error = %v, want ErrExists", err)
	}

	mustRun(t, dir, "put", "users", "alice", "1")
	mustRun(t, dir, "cf", "clone", "users", "users2")
	mustRun(t, dir, "cf", "rename", "orders", "purchases")
	mustRun(t, dir, "cf", "drop", "users")
	if got := mustRun(t, dir, "cf", "list"); got != "purchases\nusers2\n" {
		t.Errorf("cf list = %q", got)
	}
	if got := mustRun(t, dir, "get", "users2", "alice"); got != "1\n" {
		t.Errorf("get from clone = %q", got)
	}
}

func TestCreateWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := tidekv.DefaultColumnFamilyConfig()
	cfg.Compression = tidekv.CompressionZSTD
	ini := filepath.Join(t.TempDir(), "cf.ini")
	if err := tidekv.SaveConfigToINI(ini, "events", cfg); err != nil {
		t.Fatal(err)
	}
	mustRun(t, dir, "cf", "create", "--cf-config", ini, "events")

	yml := filepath.Join(t.TempDir(), "tide.yaml")
	doc := "column_families:\n  logs:\n    compression: lz4\n"
	if err := os.WriteFile(yml, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, dir, "cf", "create", "--cf-config", yml, "logs")

	for name, want := range map[string]string{"events": "zstd", "logs": "lz4"} {
		out := mustRun(t, dir, "stats", name)
		if !strings.Contains(out, "Compression: "+want) {
			t.Errorf("stats %s:\n%s\nwant compression %s", name, out, want)
		}
	}
}

func TestKeyCommands(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "cf", "create", "cf")
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}} {
		mustRun(t, dir, "put", "cf", kv[0], kv[1])
	}
	mustRun(t, dir, "delete", "cf", "b")
	if _, err := run(t, dir, "get", "cf", "b"); !errors.Is(err, tidekv.ErrNotFound) {
		t.Errorf("get deleted key error = %v, want ErrNotFound", err)
	}
	if got := mustRun(t, dir, "--hex", "get", "cf", "a"); got != "31\n" {
		t.Errorf("hex get = %q", got)
	}

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"scan", "cf"}, "a => 1\nc => 3\nd => 4\n"},
		{[]string{"scan", "--from", "b", "cf"}, "c => 3\nd => 4\n"},
		{[]string{"scan", "--to", "d", "cf"}, "a => 1\nc => 3\n"},
		{[]string{"scan", "--limit", "1", "cf"}, "a => 1\n"},
		{[]string{"scan", "--reverse", "cf"}, "d => 4\nc => 3\na => 1\n"},
		{[]string{"scan", "--reverse", "--to", "d", "--from", "b", "cf"}, "c => 3\n"},
	}
	for _, tt := range tests {
		if got := mustRun(t, dir, tt.args...); got != tt.want {
			t.Errorf("%v = %q, want %q", tt.args, got, tt.want)
		}
	}

	if _, err := run(t, dir, "put", "cf", "only-key"); err == nil {
		t.Error("put with two arguments succeeded")
	}
	if _, err := run(t, dir, "get", "missing", "a"); !errors.Is(err, tidekv.ErrNotFound) {
		t.Errorf("get from missing family error = %v, want ErrNotFound", err)
	}
}

func TestMaintenanceCommands(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "cf", "create", "cf")
	mustRun(t, dir, "put", "cf", "k1", "v1")
	mustRun(t, dir, "flush", "cf")
	mustRun(t, dir, "put", "cf", "k2", "v2")
	if out := mustRun(t, dir, "compact", "cf"); !strings.HasPrefix(out, "compacted cf") {
		t.Errorf("compact output = %q", out)
	}
	out := mustRun(t, dir, "stats", "cf")
	if !strings.Contains(out, "Total keys: 2") {
		t.Errorf("stats output:\n%s", out)
	}
	if out := mustRun(t, dir, "range-cost", "cf", "k1", "k2"); strings.TrimSpace(out) == "0" {
		t.Errorf("range-cost over live tables = %q", out)
	}
	if out := mustRun(t, dir, "cache-stats"); !strings.Contains(out, "Partitions:") {
		t.Errorf("cache-stats output:\n%s", out)
	}

	for _, cmd := range []string{"checkpoint", "backup"} {
		dst := filepath.Join(t.TempDir(), cmd)
		mustRun(t, dir, cmd, dst)
		if got := mustRun(t, dst, "get", "cf", "k2"); got != "v2\n" {
			t.Errorf("get from %s = %q", cmd, got)
		}
	}
}

func TestOpenRequiresPath(t *testing.T) {
	app := newApp()
	app.Writer, app.ErrWriter = io.Discard, io.Discard
	t.Setenv("TIDEKV_DB", "")
	if err := app.Run(context.Background(), []string{"tidectl", "cf", "list"}); err == nil {
		t.Error("cf list without --db succeeded")
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *tidekv.DB) {
	t.Helper()
	cfg := tidekv.DefaultConfig(t.TempDir())
	cfg.LogLevel = tidekv.LogWarn
	db, err := tidekv.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.CreateColumnFamily("cf", tidekv.DefaultColumnFamilyConfig()); err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	ts := httptest.NewServer(newServer(db, nil).routes())
	t.Cleanup(func() {
		ts.Close()
		db.Close()
	})
	return ts, db
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(b)
}

func TestServerKeys(t *testing.T) {
	ts, _ := newTestServer(t)
	key := ts.URL + "/cf/cf/keys/greeting"

	if code, _ := do(t, http.MethodGet, key, ""); code != http.StatusNotFound {
		t.Errorf("GET missing key = %d, want 404", code)
	}
	if code, _ := do(t, http.MethodPut, key, "hello"); code != http.StatusNoContent {
		t.Fatalf("PUT = %d, want 204", code)
	}
	if code, body := do(t, http.MethodGet, key, ""); code != http.StatusOK || body != "hello" {
		t.Errorf("GET = %d %q", code, body)
	}
	if code, _ := do(t, http.MethodPut, key+"?ttl=abc", "x"); code != http.StatusBadRequest {
		t.Errorf("PUT bad ttl = %d, want 400", code)
	}
	if code, _ := do(t, http.MethodPut, key+"?ttl=3600", "bye"); code != http.StatusNoContent {
		t.Errorf("PUT with ttl = %d, want 204", code)
	}
	if code, _ := do(t, http.MethodDelete, key, ""); code != http.StatusNoContent {
		t.Errorf("DELETE = %d, want 204", code)
	}
	if code, _ := do(t, http.MethodGet, key, ""); code != http.StatusNotFound {
		t.Errorf("GET deleted key = %d, want 404", code)
	}

	code, body := do(t, http.MethodGet, ts.URL+"/cf/nope/keys/k", "")
	if code != http.StatusNotFound {
		t.Errorf("GET on missing family = %d, want 404", code)
	}
	var er errorResponse
	if err := json.Unmarshal([]byte(body), &er); err != nil || er.Code != tidekv.CodeNotFound.String() {
		t.Errorf("error body = %q (%v)", body, err)
	}
}

func TestServerInfo(t *testing.T) {
	ts, db := newTestServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/health", "")
	var health map[string]string
	if code != http.StatusOK || json.Unmarshal([]byte(body), &health) != nil || health["identity"] != db.Identity() {
		t.Errorf("health = %d %q", code, body)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/cf", "")
	var names []string
	if code != http.StatusOK || json.Unmarshal([]byte(body), &names) != nil || len(names) != 1 || names[0] != "cf" {
		t.Errorf("list = %d %q", code, body)
	}

	do(t, http.MethodPut, ts.URL+"/cf/cf/keys/k", "v")
	code, body = do(t, http.MethodGet, ts.URL+"/cf/cf/stats", "")
	var st tidekv.Stats
	if code != http.StatusOK {
		t.Fatalf("stats = %d %q", code, body)
	}
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Name != "cf" || st.MemtableEntries != 1 || st.Config.ComparatorName != "memcmp" {
		t.Errorf("stats = %+v", st)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/cache", "")
	var cs tidekv.CacheStats
	if code != http.StatusOK || json.Unmarshal([]byte(body), &cs) != nil || !cs.Enabled {
		t.Errorf("cache = %d %q", code, body)
	}
}
