package pipeline

// command.go — the "command" pipeline: mail sent to the -join, -leave, and
// -request role addresses. One handler parses the request, applies the
// list's subscription policy, and replies through the notifier.

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lindenmail/listq/internal/list"
	"github.com/lindenmail/listq/internal/message"
)

// Replies is the slice of the notification surface the command handler
// needs. Implemented by the notify package; an interface here keeps the
// pipeline free of a dependency on outgoing-mail construction.
type Replies interface {
	CommandReply(l *list.List, to, subject, body string) error
}

const helpText = `Supported commands, one per line in the subject or body:

  subscribe            subscribe the sending address
  unsubscribe          unsubscribe the sending address
  confirm <token>      confirm a pending subscribe/unsubscribe
  help                 this text
  end                  stop processing further lines
`

// Commands parses and executes administrative requests.
type Commands struct {
	Dir list.Directory
	Rep Replies

	// Now is the clock, injectable for confirmation-token tests.
	Now func() time.Time
}

func (Commands) Name() string { return "commands" }

func (h Commands) Process(_ context.Context, t *Task) (Outcome, error) {
	meta := &t.Msg.Meta
	if meta.Sender == "" {
		// No one to reply to and no address to act on.
		return Outcome{Kind: Discarded, Reason: "command mail without envelope sender"}, nil
	}

	var cmds []string
	switch meta.Role {
	case message.RoleJoin:
		cmds = []string{"subscribe"}
	case message.RoleLeave:
		cmds = []string{"unsubscribe"}
	default:
		cmds = extractCommands(t.Msg.Payload)
	}
	if len(cmds) == 0 {
		cmds = []string{"help"}
	}

	var results []string
	for _, c := range cmds {
		res, stop := h.run(t.List, meta.Sender, c)
		results = append(results, "> "+c, res, "")
		if stop {
			break
		}
	}

	body := strings.Join(results, "\n")
	if err := h.Rep.CommandReply(t.List, meta.Sender, "The results of your commands", body); err != nil {
		return Outcome{}, fmt.Errorf("commands: reply: %w", err)
	}
	return Outcome{Kind: Delivered}, nil
}

// run executes one command line. The second result stops processing of
// further lines.
func (h Commands) run(l *list.List, sender, cmd string) (string, bool) {
	fields := strings.Fields(strings.ToLower(cmd))
	if len(fields) == 0 {
		return "Nothing to do.", false
	}
	switch fields[0] {
	case "help":
		return helpText, false
	case "end", "stop", "--":
		return "Processing stopped.", true
	case "subscribe", "join":
		return h.change(l, sender, "subscribe"), false
	case "unsubscribe", "leave", "remove":
		return h.change(l, sender, "unsubscribe"), false
	case "confirm":
		if len(fields) < 2 {
			return "confirm requires a token.", false
		}
		return h.confirm(l, sender, fields[1]), false
	default:
		return fmt.Sprintf("Unknown command %q. Send 'help' for the command list.", fields[0]), false
	}
}

func (h Commands) change(l *list.List, sender, op string) string {
	switch l.Subscribe {
	case list.SubscribeOpen, "":
		if err := h.apply(l.Name, sender, op); err != nil {
			return "Request failed: " + err.Error()
		}
		if op == "subscribe" {
			return "You have been subscribed to " + l.Address() + "."
		}
		return "You have been unsubscribed from " + l.Address() + "."
	default:
		// confirm and moderate both mail back a token; for moderate the
		// confirmed request still lands in front of the owner via the
		// owner notice, keeping this handler free of a second hold path.
		token := h.token(l, sender, op)
		return fmt.Sprintf(
			"To finish, reply with:\n\n  confirm %s\n\nThe token is valid for two days.", token)
	}
}

func (h Commands) confirm(l *list.List, sender, token string) string {
	for _, op := range []string{"subscribe", "unsubscribe"} {
		if h.tokenValid(l, sender, op, token) {
			if err := h.apply(l.Name, sender, op); err != nil {
				return "Request failed: " + err.Error()
			}
			return "Confirmed: " + op + " " + sender + " on " + l.Address() + "."
		}
	}
	return "That token is not valid (it may have expired)."
}

func (h Commands) apply(listName, addr, op string) error {
	return h.Dir.Update(listName, func(l *list.List) error {
		_, isMember := l.Member(addr)
		switch op {
		case "subscribe":
			if isMember {
				return fmt.Errorf("%s is already subscribed", addr)
			}
			l.Members = append(l.Members, list.Member{Address: addr})
		case "unsubscribe":
			if !isMember {
				return fmt.Errorf("%w: %s", list.ErrNoMember, addr)
			}
			kept := l.Members[:0]
			for _, m := range l.Members {
				if !strings.EqualFold(m.Address, addr) {
					kept = append(kept, m)
				}
			}
			l.Members = kept
		}
		return nil
	})
}

// token derives a stateless confirmation token from the list identity, the
// address, the operation, and the UTC day. No store to expire; a token is
// accepted for the day it was issued and the following one.
func (h Commands) token(l *list.List, addr, op string) string {
	return h.tokenAt(l, addr, op, h.now())
}

func (h Commands) tokenAt(l *list.List, addr, op string, t time.Time) string {
	mac := hmac.New(sha256.New, []byte(l.Name+"."+l.Host+"."+l.ApprovedSecret))
	fmt.Fprintf(mac, "%s|%s|%s", strings.ToLower(addr), op, t.UTC().Format("2006-01-02"))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

func (h Commands) tokenValid(l *list.List, addr, op, token string) bool {
	now := h.now()
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		if hmac.Equal([]byte(token), []byte(h.tokenAt(l, addr, op, day))) {
			return true
		}
	}
	return false
}

func (h Commands) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// extractCommands pulls command lines from the subject and then the first
// text of the body, stopping at a signature delimiter or after a bound.
func extractCommands(raw []byte) []string {
	var cmds []string
	if s := strings.TrimSpace(getHeader(raw, "Subject")); s != "" {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "Re: "), "RE: ")
		cmds = append(cmds, s)
	}

	_, body := splitHeaderBody(raw)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for len(cmds) < 10 && sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "--" || strings.HasPrefix(line, "-- ") {
			break
		}
		cmds = append(cmds, line)
	}
	return cmds
}
