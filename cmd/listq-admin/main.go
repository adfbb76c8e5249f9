// Command listq-admin is the operator surface for a listq installation:
// reviewing and deciding moderation holds, inspecting and resetting
// bounce records, and listing or replaying shunted messages.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lindenmail/listq/internal/config"
	"github.com/lindenmail/listq/internal/hold"
	"github.com/lindenmail/listq/internal/ledger"
	"github.com/lindenmail/listq/internal/list"
	"github.com/lindenmail/listq/internal/message"
	"github.com/lindenmail/listq/internal/site"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "listq-admin: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var s *site.Site

	root := &cobra.Command{
		Use:           "listq-admin",
		Short:         "administer a listq installation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			s, err = site.Open(cfg)
			return err
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if s == nil {
				return nil
			}
			return s.Close()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")

	root.AddCommand(newHoldsCmd(&s))
	root.AddCommand(newBouncesCmd(&s))
	root.AddCommand(newShuntCmd(&s))
	return root
}

// ─── holds ───────────────────────────────────────────────────────────────────

func newHoldsCmd(s **site.Site) *cobra.Command {
	holds := &cobra.Command{
		Use:   "holds",
		Short: "review and decide moderation holds",
	}

	var listName string
	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "show holds, pending first unless --all",
		RunE: func(*cobra.Command, []string) error {
			recs, err := (*s).Holds.List(listName, !all)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no holds")
				return nil
			}
			for _, r := range recs {
				fmt.Printf("%s  %-9s  %-12s  %s\n    subject: %s\n    reasons: %s\n",
					r.ID, r.State, r.List, r.Sender,
					r.Subject, strings.Join(r.Reasons, "; "))
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&listName, "list", "", "filter to one list")
	listCmd.Flags().BoolVar(&all, "all", false, "include decided holds")
	holds.AddCommand(listCmd)

	decide := func(verb string, to hold.State) *cobra.Command {
		return &cobra.Command{
			Use:   verb + " <hold-id>",
			Short: verb + " a pending hold",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := (*s).Decide(args[0], to); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", args[0], to)
				return nil
			},
		}
	}
	holds.AddCommand(decide("approve", hold.StateApproved))
	holds.AddCommand(decide("reject", hold.StateRejected))
	holds.AddCommand(decide("discard", hold.StateDiscarded))
	return holds
}

// ─── bounces ─────────────────────────────────────────────────────────────────

func newBouncesCmd(s **site.Site) *cobra.Command {
	bounces := &cobra.Command{
		Use:   "bounces",
		Short: "inspect and reset bounce records",
	}

	bounces.AddCommand(&cobra.Command{
		Use:   "show <list>",
		Short: "show the bounce ledger for one list",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			n := 0
			err := (*s).Ledger.ForEach(args[0], func(r ledger.Record) error {
				n++
				state := "scoring"
				if r.DisabledAt != 0 {
					state = fmt.Sprintf("disabled, %d warnings", r.WarningsSent)
				}
				fmt.Printf("%-40s score %.1f  last %s  (%s)\n",
					r.Address, r.Score, r.LastBounce, state)
				return nil
			})
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Println("no bounce records")
			}
			return nil
		},
	})

	bounces.AddCommand(&cobra.Command{
		Use:   "reset <list> <address>",
		Short: "clear a member's bounce record and re-enable delivery",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			listName, addr := args[0], args[1]
			if err := (*s).Ledger.Remove(listName, addr); err != nil {
				return err
			}
			err := (*s).Dir.Update(listName, func(l *list.List) error {
				if m, ok := l.Member(addr); ok {
					m.DeliveryDisabled = false
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("reset %s on %s\n", addr, listName)
			return nil
		},
	})
	return bounces
}

// ─── shunt ───────────────────────────────────────────────────────────────────

func newShuntCmd(s **site.Site) *cobra.Command {
	shunt := &cobra.Command{
		Use:   "shunt",
		Short: "inspect and replay quarantined messages",
	}

	shunt.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "show shunted messages",
		RunE: func(*cobra.Command, []string) error {
			sb := (*s).Board(message.QueueShunt)
			ids, err := sb.Files()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("shunt queue is empty")
				return nil
			}
			for _, id := range ids {
				msg, err := sb.Dequeue(id)
				if err != nil {
					continue
				}
				fmt.Printf("%s  %-12s  %s  %s\n    reason: %s\n",
					id, msg.Meta.List, msg.Meta.Pipeline,
					time.UnixMilli(msg.Meta.Received).UTC().Format(time.RFC3339),
					msg.Meta.ShuntReason)
			}
			return nil
		},
	})

	shunt.AddCommand(&cobra.Command{
		Use:   "replay <msg-id>",
		Short: "move a shunted message back to its processing queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := (*s).ReplayShunt(args[0]); err != nil {
				return err
			}
			fmt.Printf("replayed %s\n", args[0])
			return nil
		},
	})
	return shunt
}
