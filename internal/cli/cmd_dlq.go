package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/forgeflow/forgeflow/internal/core"
	"github.com/forgeflow/forgeflow/internal/dlq"
)

func cmdDLQ() *Command {
	flags := flag.NewFlagSet("dlq", flag.ContinueOnError)

	verb := flags.String("verb", "", "filter by operation verb")
	status := flags.String("status", "", "filter by entry status")
	ack := flags.Bool("ack", false, "confirm the operation was re-applied out of band")
	jsonOut := flags.Bool("json", false, "print entries as JSON")

	return &Command{
		Flags: flags,
		Usage: "dlq <ls|stats|show|replay|rm|console> [id] [flags]",
		Short: "inspect and drain the dead-letter queue",
		Long: "Subcommands:\n" +
			"  ls                  list entries, newest first\n" +
			"  stats               aggregate by status and verb\n" +
			"  show <id>           print one entry\n" +
			"  replay <id> --ack   mark an entry resolved after re-applying it\n" +
			"  rm <id>             delete an entry\n" +
			"  console             interactive queue console\n\n" +
			"The CLI cannot re-dispatch provider operations itself; replay\n" +
			"requires --ack asserting the operation was performed out of band.",
		Exec: func(ctx context.Context, env *Env, o *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("dlq needs a subcommand")
			}

			c, err := env.Open()
			if err != nil {
				return err
			}

			filter := dlq.Filter{Verb: *verb, Status: dlq.Status(*status)}

			switch args[0] {
			case "ls":
				return dlqList(o, c, filter, *jsonOut)
			case "stats":
				return dlqStats(o, c)
			case "show":
				if len(args) < 2 {
					return fmt.Errorf("show needs an entry id")
				}

				entry, getErr := c.DLQ.Get(args[1])
				if getErr != nil {
					return getErr
				}

				return printJSON(o, entry)
			case "replay":
				if len(args) < 2 {
					return fmt.Errorf("replay needs an entry id")
				}

				return dlqReplay(ctx, o, c, args[1], *ack)
			case "rm":
				if len(args) < 2 {
					return fmt.Errorf("rm needs an entry id")
				}

				rmErr := c.DLQ.Delete(args[1])
				if rmErr != nil {
					return rmErr
				}

				o.Printf("deleted %s\n", args[1])

				return nil
			case "console":
				return dlqConsole(ctx, o, c)
			default:
				return fmt.Errorf("unknown dlq subcommand %q", args[0])
			}
		},
	}
}

func dlqList(o *IO, c *core.Core, filter dlq.Filter, jsonOut bool) error {
	entries, err := c.DLQ.List(filter)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(o, entries)
	}

	for _, entry := range entries {
		o.Printf("%-28s %-12s %-8s x%d  %s %s\n",
			entry.ID, entry.Status, entry.Operation.Verb, entry.Attempts,
			entry.Operation.Resource, entry.Error.Kind)
	}

	return nil
}

func dlqStats(o *IO, c *core.Core) error {
	stats, err := c.DLQ.Statistics()
	if err != nil {
		return err
	}

	o.Printf("total: %d\n", stats.Total)

	for status, count := range stats.ByStatus {
		o.Printf("  status %-12s %d\n", status, count)
	}

	for verb, count := range stats.ByVerb {
		o.Printf("  verb   %-12s %d\n", verb, count)
	}

	return nil
}

func dlqReplay(ctx context.Context, o *IO, c *core.Core, id string, ack bool) error {
	if !ack {
		return fmt.Errorf("replay requires --ack: confirm the operation was re-applied out of band")
	}

	entry, err := c.DLQ.Replay(ctx, id, func(context.Context, dlq.Operation, map[string]any) error {
		return nil
	})
	if err != nil {
		return err
	}

	o.Printf("%s is now %s\n", entry.ID, entry.Status)

	return nil
}

// dlqConsole is a small interactive loop over the queue, with history and
// line editing.
func dlqConsole(ctx context.Context, o *IO, c *core.Core) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	consoleVerbs := []string{"ls", "stats", "show ", "resolve ", "rm ", "help", "quit"}
	line.SetCompleter(func(prefix string) []string {
		var matches []string

		for _, v := range consoleVerbs {
			if strings.HasPrefix(v, strings.ToLower(prefix)) {
				matches = append(matches, v)
			}
		}

		return matches
	})

	o.Println("dlq console; 'help' lists commands, 'quit' exits")

	for {
		if ctx.Err() != nil {
			return nil
		}

		input, err := line.Prompt("dlq> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}

			return nil // EOF ends the console
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)

		var cmdErr error

		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			o.Println("  ls            list entries")
			o.Println("  stats         aggregate by status and verb")
			o.Println("  show <id>     print one entry")
			o.Println("  resolve <id>  mark resolved (re-applied out of band)")
			o.Println("  rm <id>       delete an entry")
			o.Println("  quit          leave the console")
		case "ls":
			cmdErr = dlqList(o, c, dlq.Filter{}, false)
		case "stats":
			cmdErr = dlqStats(o, c)
		case "show":
			if len(fields) < 2 {
				cmdErr = fmt.Errorf("show needs an entry id")
			} else {
				var entry dlq.Entry

				entry, cmdErr = c.DLQ.Get(fields[1])
				if cmdErr == nil {
					cmdErr = printJSON(o, entry)
				}
			}
		case "resolve":
			if len(fields) < 2 {
				cmdErr = fmt.Errorf("resolve needs an entry id")
			} else {
				cmdErr = dlqReplay(ctx, o, c, fields[1], true)
			}
		case "rm":
			if len(fields) < 2 {
				cmdErr = fmt.Errorf("rm needs an entry id")
			} else {
				cmdErr = c.DLQ.Delete(fields[1])
			}
		default:
			cmdErr = fmt.Errorf("unknown console command %q", fields[0])
		}

		if cmdErr != nil {
			o.ErrPrintln("error:", cmdErr)
		}
	}
}
