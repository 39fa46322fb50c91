// Package main provides the capnode peer daemon and its companion call
// tool.
//
// In serve mode the daemon listens for TCP connections and exposes a
// small diagnostic API (echo, add, apply, motd) to every connecting peer;
// each connection gets its own node and therefore its own capability
// tables. In call mode the binary dials a peer, adopts its exported API,
// invokes one method by dotted path, and prints the result as JSON -
// handy for interop smoke tests against any capnode implementation.
//
// Configuration Loading Strategy:
// 1. Command line flag: uses the specified config file path
// 2. Default file: attempts to load config/capnode.yaml
// 3. Hardcoded defaults: falls back to built-in configuration
//
// Called by: operators, interop test harnesses
// Calls: transport, journal, config, capnode runtime
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tenzoki/capnode/internal/config"
	"github.com/tenzoki/capnode/internal/journal"
	"github.com/tenzoki/capnode/internal/transport"
	"github.com/tenzoki/capnode/public/capnode"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	callAddr := flag.String("call", "", "dial a peer instead of serving (host:port)")
	method := flag.String("method", "", "dotted path of the remote method to invoke")
	argsJSON := flag.String("args", "[]", "JSON array of call arguments")
	codec := flag.String("codec", "", "wire codec override (json or msgpack)")
	flag.Parse()

	if *callAddr != "" {
		if err := runCall(*callAddr, *method, *argsJSON, *codec); err != nil {
			log.Fatalf("call failed: %v", err)
		}
		return
	}
	if err := runServe(*configPath, *codec); err != nil {
		log.Fatalf("serve failed: %v", err)
	}
}

// loadConfig resolves the configuration using the priority hierarchy
// documented in the package comment.
func loadConfig(path string) (*config.Config, string) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatalf("Failed to load config from %s: %v", path, err)
		}
		return cfg, fmt.Sprintf("config file: %s", path)
	}
	if _, err := os.Stat("config/capnode.yaml"); err == nil {
		cfg, err := config.Load("config/capnode.yaml")
		if err != nil {
			log.Printf("Warning: config/capnode.yaml exists but failed to load: %v", err)
			return config.Default(), "hardcoded defaults (config/capnode.yaml failed to parse)"
		}
		return cfg, "config/capnode.yaml (default)"
	}
	return config.Default(), "hardcoded defaults"
}

func runServe(configPath, codecOverride string) error {
	cfg, source := loadConfig(configPath)
	if codecOverride != "" {
		cfg.Codec = codecOverride
	}
	log.Printf("capnode daemon starting (%s)", source)

	tcfg := transport.Config{
		Codec: transport.Codec(cfg.Codec),
		Debug: cfg.Debug,
	}
	if cfg.Journal.Enabled {
		j, err := openJournal(cfg.Journal)
		if err != nil {
			return err
		}
		defer j.Close()
		tcfg.Journal = j
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	log.Printf("capnode daemon listening on %s (%s)", cfg.Listen, cfg.Codec)

	return transport.Serve(ctx, ln, tcfg, func() *capnode.Node {
		return diagnosticNode(cfg.Debug)
	})
}

func openJournal(jc config.JournalConfig) (*journal.Journal, error) {
	if jc.InMemory {
		return journal.OpenInMemory()
	}
	return journal.Open(jc.Path)
}

// diagnosticNode builds the API every connecting peer sees. It exercises
// each wire feature once: plain leaves, value echo, arithmetic, and a
// callback round trip.
func diagnosticNode(debug bool) *capnode.Node {
	node := capnode.New(capnode.WithDebug(debug))
	api := capnode.Object(map[string]*capnode.Value{
		"motd": capnode.String("capnode diagnostic peer"),
		"echo": capnode.Function(func(ctx context.Context, args []*capnode.Value) (*capnode.Value, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("echo wants 1 argument, got %d", len(args))
			}
			return args[0], nil
		}),
		"add": capnode.Function(func(ctx context.Context, args []*capnode.Value) (*capnode.Value, error) {
			sum := 0.0
			for i, arg := range args {
				n, ok := arg.Num()
				if !ok {
					return nil, fmt.Errorf("add argument %d is %s, want number", i, arg.Kind())
				}
				sum += n
			}
			return capnode.Number(sum), nil
		}),
		"apply": capnode.Function(func(ctx context.Context, args []*capnode.Value) (*capnode.Value, error) {
			if len(args) < 1 || args[0].Kind() != capnode.KindFunc {
				return nil, fmt.Errorf("apply wants a callback as first argument")
			}
			return args[0].Call(ctx, args[1:]...)
		}),
	})
	if _, err := node.Expose(api); err != nil {
		// The diagnostic tree is static and acyclic; this cannot happen
		// at runtime.
		log.Fatalf("expose diagnostic api: %v", err)
	}
	return node
}

func runCall(addr, method, argsJSON, codecOverride string) error {
	if method == "" {
		return fmt.Errorf("-call requires -method")
	}
	codec := transport.CodecJSON
	if codecOverride != "" {
		codec = transport.Codec(codecOverride)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	node := capnode.New()
	if _, err := node.Expose(capnode.Object(nil)); err != nil {
		return err
	}
	if _, err := transport.Dial(ctx, addr, node, transport.Config{Codec: codec}); err != nil {
		return err
	}

	select {
	case <-node.Ready():
	case <-ctx.Done():
		return fmt.Errorf("no init from %s: %w", addr, ctx.Err())
	}
	remote, _ := node.Remote()

	target := remote
	for _, step := range strings.Split(method, ".") {
		target = target.Field(step)
		if target == nil {
			return fmt.Errorf("remote API has no %q along %q", step, method)
		}
	}

	var rawArgs []interface{}
	if err := json.Unmarshal([]byte(argsJSON), &rawArgs); err != nil {
		return fmt.Errorf("parse -args: %w", err)
	}
	args := make([]*capnode.Value, len(rawArgs))
	for i, raw := range rawArgs {
		v, err := toValue(raw)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}

	result, err := target.Call(ctx, args...)
	if err != nil {
		return err
	}
	rendered, err := json.MarshalIndent(fromValue(result), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(rendered))
	return nil
}

// toValue converts parsed JSON into the value model. Booleans and nulls
// are outside the wire model and rejected explicitly.
func toValue(raw interface{}) (*capnode.Value, error) {
	switch v := raw.(type) {
	case string:
		return capnode.String(v), nil
	case float64:
		return capnode.Number(v), nil
	case []interface{}:
		items := make([]*capnode.Value, len(v))
		for i, elem := range v {
			converted, err := toValue(elem)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return capnode.Array(items...), nil
	case map[string]interface{}:
		fields := make(map[string]*capnode.Value, len(v))
		for key, elem := range v {
			converted, err := toValue(elem)
			if err != nil {
				return nil, err
			}
			fields[key] = converted
		}
		return capnode.Object(fields), nil
	default:
		return nil, fmt.Errorf("%T is outside the wire model (strings, numbers, arrays, objects)", raw)
	}
}

// fromValue renders a result tree for display; remote functions print as
// a placeholder since they cannot round-trip through plain JSON.
func fromValue(v *capnode.Value) interface{} {
	switch v.Kind() {
	case capnode.KindString:
		s, _ := v.Text()
		return s
	case capnode.KindNumber:
		n, _ := v.Num()
		return n
	case capnode.KindArray:
		items := make([]interface{}, v.Len())
		for i := range items {
			items[i] = fromValue(v.Index(i))
		}
		return items
	case capnode.KindObject:
		fields := make(map[string]interface{}, v.Len())
		for key, child := range v.Fields() {
			fields[key] = fromValue(child)
		}
		return fields
	case capnode.KindFunc:
		return "<function>"
	default:
		return nil
	}
}
