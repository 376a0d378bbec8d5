// Package main implements the mergeswim CLI: a k-way tuple merge
// utility and a SWIM membership/failure-detector agent, selected by
// subcommand.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dbcore/mergeswim/pkg/clock"
	"github.com/dbcore/mergeswim/pkg/keydef"
	"github.com/dbcore/mergeswim/pkg/merger"
	"github.com/dbcore/mergeswim/pkg/swim"
	"github.com/dbcore/mergeswim/pkg/tuple"
)

var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "merge":
		if err := mergeCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "swim":
		if err := swimCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("mergeswim %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`mergeswim v%s - k-way tuple merge and SWIM membership agent

Usage:
  mergeswim <command> [options]

Commands:
  merge     Merge newline-delimited JSON tuple arrays on stdin, sorted output on stdout
  swim      Run a SWIM membership/failure-detector agent
  version   Show version information
  help      Show this help message
`, version)
}

// mergeCommand reads one JSON array of unsigned integers per line from
// stdin, each line already sorted ascending and treated as one source,
// and writes the k-way merged sequence to stdout one value per line.
func mergeCommand(args []string) error {
	kd := &keydef.KeyDef{Parts: []keydef.KeyPart{{FieldNo: 0, Type: keydef.PartUnsigned}}}
	mctx := merger.NewContext(kd, tuple.FormatID(1)).Ref()
	defer mctx.Unref()

	scanner := bufio.NewScanner(os.Stdin)
	var sources []merger.Source
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var values []uint64
		if err := json.Unmarshal([]byte(line), &values); err != nil {
			return fmt.Errorf("parse source line: %w", err)
		}
		tuples := make([]*tuple.Tuple, 0, len(values))
		for _, v := range values {
			tp, err := tuple.NewFromFields([]interface{}{v}, 0)
			if err != nil {
				return err
			}
			tuples = append(tuples, tp.Ref())
		}
		sources = append(sources, merger.NewArraySource(tuples))
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	m := merger.NewMerger(mctx)
	if err := m.SetSources(sources); err != nil {
		return err
	}

	bg := context.Background()
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for {
		t, err := m.Next(bg, nil)
		if err != nil {
			return err
		}
		if t == nil {
			break
		}
		v, present, err := t.Field(0)
		if err != nil {
			return err
		}
		if present {
			fmt.Fprintln(w, v)
		}
		t.Unref()
	}
	return nil
}

// swimCommand starts a SWIM agent bound to -addr, optionally seeded
// with one peer via -peer host:port=uuid, and runs until interrupted.
func swimCommand(args []string) error {
	var bindAddr, seedPeer string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-addr":
			i++
			if i < len(args) {
				bindAddr = args[i]
			}
		case "-peer":
			i++
			if i < len(args) {
				seedPeer = args[i]
			}
		}
	}
	if bindAddr == "" {
		return fmt.Errorf("swim requires -addr host:port")
	}

	transport, err := swim.NewUDPTransport(bindAddr)
	if err != nil {
		return err
	}

	cfg := swim.Config{
		BindAddr:  bindAddr,
		UUID:      uuid.New(),
		Clock:     clock.Real{},
		Transport: transport,
		Rand:      rand.New(rand.NewSource(int64(os.Getpid()))),
	}
	engine, err := swim.New(cfg)
	if err != nil {
		return err
	}

	if seedPeer != "" {
		addr, idStr, err := splitPeerSpec(seedPeer)
		if err != nil {
			return err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("parse peer uuid: %w", err)
		}
		if err := engine.AddMember(addr, id); err != nil {
			return err
		}
	}

	log.WithField("addr", bindAddr).WithField("uuid", engine.Self().UUID).Info("swim agent starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	engine.Leave()
	engine.Delete()
	return nil
}

func splitPeerSpec(spec string) (addr, id string, err error) {
	for i := len(spec) - 1; i >= 0; i-- {
		if spec[i] == '=' {
			return spec[:i], spec[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("peer spec must be host:port=uuid, got %q", spec)
}
