// Command inet_filter edits the block list of a running ipv4 hunter through
// its control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"ipv4_hunter/internal/config"
	"ipv4_hunter/internal/control"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2

	queryCount = 49
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: inet_filter [option] [pattern [pattern]]")
	fmt.Fprintln(w, "\t\texample: inet_filter -a 180.149.131.248")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "\t-h\t\tthis message")
	fmt.Fprintln(w, "\t-a ip\t\tadd ip node")
	fmt.Fprintln(w, "\t-r file\t\tadd ip node from file")
	fmt.Fprintln(w, "\t-d ip\t\tdelete ip node")
	fmt.Fprintln(w, "\t-v file\t\tdelete ip node from file")
	fmt.Fprintln(w, "\t-c\t\tclear ip node")
	fmt.Fprintln(w, "\t-q\t\tquery ip nodes")
	fmt.Fprintln(w, "\t-s path\t\tcontrol socket")
	fmt.Fprintln(w, "\t-t dur\t\trequest timeout")
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inet_filter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }

	var (
		addIP, delIP     string
		addFile, delFile string
		clear, query     bool
		socketPath       string
		timeout          time.Duration
	)
	fs.StringVar(&addIP, "a", "", "add ip node")
	fs.StringVar(&delIP, "d", "", "delete ip node")
	fs.StringVar(&addFile, "r", "", "add ip node from file")
	fs.StringVar(&delFile, "v", "", "delete ip node from file")
	fs.BoolVar(&clear, "c", false, "clear ip node")
	fs.BoolVar(&query, "q", false, "query ip nodes")
	fs.StringVar(&socketPath, "s", config.DefaultConfig().ControlSocket, "control socket")
	fs.DurationVar(&timeout, "t", 5*time.Second, "request timeout")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		return exitUsage
	}

	modes := 0
	for _, set := range []bool{addIP != "", delIP != "", addFile != "", delFile != "", clear, query} {
		if set {
			modes++
		}
	}
	if modes != 1 || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "work mode error")
		usage(stderr)
		return exitUsage
	}

	// Bulk file operations are not implemented by the daemon.
	if addFile != "" || delFile != "" {
		fmt.Fprintln(stdout, "not support!")
		return exitFailure
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := control.Dial(ctx, socketPath)
	if err != nil {
		fmt.Fprintf(stderr, "open %s: %v\n", socketPath, err)
		return exitFailure
	}
	defer client.Close()

	switch {
	case addIP != "":
		if err := client.Add(ctx, addIP); err != nil {
			fmt.Fprintf(stdout, "add ip:%s failed\n", addIP)
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
		fmt.Fprintf(stdout, "add ip:%s\n", addIP)

	case delIP != "":
		if err := client.Delete(ctx, delIP); err != nil {
			fmt.Fprintf(stdout, "del ip:%s failed\n", delIP)
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
		fmt.Fprintf(stdout, "del ip:%s\n", delIP)

	case clear:
		if err := client.Clear(ctx); err != nil {
			fmt.Fprintf(stderr, "clear failed: %v\n", err)
			return exitFailure
		}
		fmt.Fprintln(stdout, "[clear all ip")

	case query:
		ips, err := client.Query(ctx, queryCount)
		if err != nil {
			fmt.Fprintf(stderr, "query failed: %v\n", err)
			return exitFailure
		}
		fmt.Fprintf(stdout, "Block IP List[%d]:\n", len(ips))
		for i, ip := range ips {
			fmt.Fprintf(stdout, "[%02d][%s]\n", i+1, ip)
		}
	}
	return exitOK
}
