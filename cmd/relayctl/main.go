// Command relayctl inspects and drives a running tab relay over its HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultServer = "http://localhost:8787"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = runStatus(args, os.Stdout)
	case "clients":
		err = runClients(args, os.Stdout)
	case "tabs":
		err = runTabs(args, os.Stdout)
	case "exec":
		err = runExec(args, os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "relayctl %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: relayctl <command> [flags]

Commands:
  status                         relay health and counters
  clients                        known browser clients
  tabs [-client ID]              tabs, optionally for one client
  exec -client ID -tab ID -action NAME [-params JSON] [-mode M] [-timeout MS]
                                 run an action in a tab

Common flags:
  -server URL   relay base URL (default $TABRELAY_URL or `+defaultServer+`)
  -o FORMAT     json or yaml (default json)
`)
}

type commonFlags struct {
	server string
	output string
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cf := &commonFlags{}
	server := os.Getenv("TABRELAY_URL")
	if server == "" {
		server = defaultServer
	}
	fs.StringVar(&cf.server, "server", server, "relay base URL")
	fs.StringVar(&cf.output, "o", "json", "output format: json or yaml")
	return fs, cf
}

func (cf *commonFlags) validate() error {
	switch cf.output {
	case "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", cf.output)
	}
}

func runStatus(args []string, out io.Writer) error {
	fs, cf := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cf.validate(); err != nil {
		return err
	}
	var body interface{}
	if err := newClient(cf.server).get(context.Background(), "/api/status", &body); err != nil {
		return err
	}
	return render(out, cf.output, body)
}

func runClients(args []string, out io.Writer) error {
	fs, cf := newFlagSet("clients")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cf.validate(); err != nil {
		return err
	}
	var body interface{}
	if err := newClient(cf.server).get(context.Background(), "/api/clients", &body); err != nil {
		return err
	}
	return render(out, cf.output, body)
}

func runTabs(args []string, out io.Writer) error {
	fs, cf := newFlagSet("tabs")
	clientID := fs.String("client", "", "only tabs of this client")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cf.validate(); err != nil {
		return err
	}
	path := "/api/tabs"
	if *clientID != "" {
		path += "?clientId=" + url.QueryEscape(*clientID)
	}
	var body interface{}
	if err := newClient(cf.server).get(context.Background(), path, &body); err != nil {
		return err
	}
	return render(out, cf.output, body)
}

func runExec(args []string, out io.Writer) error {
	fs, cf := newFlagSet("exec")
	clientID := fs.String("client", "", "client id (required)")
	tabID := fs.String("tab", "", "tab id (required)")
	action := fs.String("action", "", "action name (required)")
	mode := fs.String("mode", "", "execution mode")
	params := fs.String("params", "", "action params as a JSON object")
	timeoutMs := fs.Int64("timeout", 0, "wait for the agent this many milliseconds (0 = relay default)")
	requestID := fs.String("request-id", "", "request id (generated by the relay if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cf.validate(); err != nil {
		return err
	}
	if *clientID == "" || *tabID == "" || *action == "" {
		return errors.New("-client, -tab and -action are required")
	}

	req := map[string]interface{}{
		"clientId": *clientID,
		"tabId":    *tabID,
		"action":   *action,
	}
	if *mode != "" {
		req["mode"] = *mode
	}
	if p := strings.TrimSpace(*params); p != "" {
		if !json.Valid([]byte(p)) {
			return errors.New("-params must be valid JSON")
		}
		req["params"] = json.RawMessage(p)
	}
	if *timeoutMs > 0 {
		req["timeoutMs"] = *timeoutMs
	}
	if *requestID != "" {
		req["requestId"] = *requestID
	}

	// Leave room for the relay's own wait on top of the agent timeout.
	wait := 30 * time.Second
	if *timeoutMs > 0 {
		wait = time.Duration(*timeoutMs)*time.Millisecond + 5*time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	var body interface{}
	if err := newClient(cf.server).post(ctx, "/api/execute-in-tab", req, &body); err != nil {
		return err
	}
	return render(out, cf.output, body)
}

func render(out io.Writer, format string, body interface{}) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(body); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}
