package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ipv4_hunter/internal/control"
	"ipv4_hunter/internal/dataType"
	"ipv4_hunter/internal/server"
)

func startDaemon(t *testing.T, capacity int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.sock")
	handler := control.NewHandler(dataType.NewBlockList(capacity), nil, nil)
	srv := server.NewControlServer(path, 0600, time.Second, handler, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)
	return path
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLIAddQueryDeleteClear(t *testing.T) {
	sock := startDaemon(t, 8)

	if code, out, _ := runCLI("-s", sock, "-a", "180.149.131.248"); code != exitOK || out != "add ip:180.149.131.248\n" {
		t.Fatalf("add: code %d out %q", code, out)
	}
	if code, _, _ := runCLI("-s", sock, "-a", "10.0.0.1"); code != exitOK {
		t.Fatalf("second add: code %d", code)
	}

	code, out, _ := runCLI("-s", sock, "-q")
	if code != exitOK {
		t.Fatalf("query: code %d", code)
	}
	want := "Block IP List[2]:\n[01][180.149.131.248]\n[02][10.0.0.1]\n"
	if out != want {
		t.Errorf("query output = %q, want %q", out, want)
	}

	if code, out, _ := runCLI("-s", sock, "-d", "10.0.0.1"); code != exitOK || out != "del ip:10.0.0.1\n" {
		t.Errorf("delete: code %d out %q", code, out)
	}
	if code, out, _ := runCLI("-s", sock, "-c"); code != exitOK || out != "[clear all ip\n" {
		t.Errorf("clear: code %d out %q", code, out)
	}
	if _, out, _ := runCLI("-s", sock, "-q"); out != "Block IP List[0]:\n" {
		t.Errorf("query after clear = %q", out)
	}
}

func TestCLIAddFailure(t *testing.T) {
	sock := startDaemon(t, 1)
	if code, _, _ := runCLI("-s", sock, "-a", "1.1.1.1"); code != exitOK {
		t.Fatalf("first add: code %d", code)
	}
	code, out, stderr := runCLI("-s", sock, "-a", "2.2.2.2")
	if code != exitFailure || out != "add ip:2.2.2.2 failed\n" {
		t.Errorf("add past capacity: code %d out %q", code, out)
	}
	if !strings.Contains(stderr, "resource exhausted") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestCLIUsage(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"-a", "1.1.1.1", "-d", "1.1.1.1"},
		{"-x"},
		{"-q", "extra"},
	} {
		if code, _, _ := runCLI(args...); code != exitUsage {
			t.Errorf("run(%q) = %d, want %d", args, code, exitUsage)
		}
	}
	if code, _, _ := runCLI("-h"); code != exitOK {
		t.Errorf("-h exit = %d", code)
	}
}

func TestCLIFileModesUnsupported(t *testing.T) {
	for _, flag := range []string{"-r", "-v"} {
		code, out, _ := runCLI(flag, "list.txt")
		if code != exitFailure || out != "not support!\n" {
			t.Errorf("%s: code %d out %q", flag, code, out)
		}
	}
}

func TestCLIDaemonUnavailable(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "missing.sock")
	if code, _, stderr := runCLI("-s", sock, "-q"); code != exitFailure || stderr == "" {
		t.Errorf("code %d stderr %q", code, stderr)
	}
}
