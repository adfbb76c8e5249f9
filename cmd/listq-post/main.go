// Command listq-post reads one RFC 5322 message from stdin and durably
// enqueues it for a list role address. It is the MTA integration point:
// the local delivery agent pipes each list-addressed message through it.
//
// Exit codes follow sysexits so the MTA reacts correctly: 0 means the
// message is queued and must be acknowledged, 64 means the invocation was
// malformed and retrying is pointless, 75 means a transient local failure
// the MTA should retry later.
//
// Usage:
//
//	listq-post --list dev --role post --sender alice@example.org < message
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/lindenmail/listq/internal/config"
	"github.com/lindenmail/listq/internal/message"
	"github.com/lindenmail/listq/internal/site"
)

const (
	exitUsage    = 64 // EX_USAGE
	exitTempFail = 75 // EX_TEMPFAIL
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	listName := flag.String("list", "", "target list name")
	role := flag.String("role", "post", "address role: post, owner, join, leave, bounce, command")
	sender := flag.String("sender", "", "envelope sender (empty for null reverse-path)")
	recipient := flag.String("recipient", "", "full envelope recipient, for VERP decoding")
	flag.Parse()

	_ = godotenv.Load()

	if *listName == "" {
		fmt.Fprintln(os.Stderr, "listq-post: --list is required")
		os.Exit(exitUsage)
	}
	r := message.Role(*role)
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "listq-post: unknown role %q\n", *role)
		os.Exit(exitUsage)
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listq-post: read stdin: %v\n", err)
		os.Exit(exitTempFail)
	}
	if len(payload) == 0 {
		fmt.Fprintln(os.Stderr, "listq-post: empty message")
		os.Exit(exitUsage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listq-post: load config: %v\n", err)
		os.Exit(exitTempFail)
	}

	s, err := site.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listq-post: open site: %v\n", err)
		os.Exit(exitTempFail)
	}
	defer s.Close()

	id, err := s.Post(*listName, r, *sender, *recipient, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listq-post: %v\n", err)
		os.Exit(exitTempFail)
	}
	fmt.Println(id)
}
