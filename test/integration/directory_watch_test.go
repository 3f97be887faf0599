package integration

import (
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lemonberrylabs/symexpr/pkg/api"
	"github.com/lemonberrylabs/symexpr/pkg/store"
)

// startWatchingServer starts a separate server watching dir and returns its
// base URL.
func startWatchingServer(t *testing.T, dir string) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	srv := api.New(store.NewMemory())
	if err := srv.WatchDir(dir); err != nil {
		t.Fatalf("WatchDir: %v", err)
	}
	go srv.App().Listener(lis)
	t.Cleanup(func() { _ = srv.Shutdown() })

	base := "http://" + lis.Addr().String()
	if err := waitReady(base+"/v1/functions", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	return base
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// waitForStatus polls url until it answers with want.
func waitForStatus(t *testing.T, url string, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for getStatus(t, url) != want {
		if time.Now().After(deadline) {
			t.Fatalf("%s did not return %d in time", url, want)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestDirectoryWatch(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("initial.yaml", "expressions:\n  - id: initial\n    source: 1 + 1\n")

	base := startWatchingServer(t, dir)
	if code := getStatus(t, base+"/v1/expressions/initial"); code != http.StatusOK {
		t.Fatalf("initial expression: status %d", code)
	}

	// Added files are deployed.
	write("added.json", `{"expressions": [{"id": "added", "source": "x * 3"}]}`)
	waitForStatus(t, base+"/v1/expressions/added", http.StatusOK)

	// Removed files are undeployed.
	if err := os.Remove(filepath.Join(dir, "initial.yaml")); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, base+"/v1/expressions/initial", http.StatusNotFound)

	// Files that fail to parse leave the deployed expressions alone.
	write("added.json", `{"expressions": [{"id": "added", "source": "x *"}]}`)
	time.Sleep(500 * time.Millisecond)
	if code := getStatus(t, base+"/v1/expressions/added"); code != http.StatusOK {
		t.Errorf("expression removed after a bad edit: status %d", code)
	}
}
