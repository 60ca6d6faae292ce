package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
)

func cmdRun() *Command {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)

	jsonOut := flags.Bool("json", false, "print records as JSON")

	return &Command{
		Flags: flags,
		Usage: "run <ls|show> [id] [flags]",
		Short: "inspect run records",
		Long: "Subcommands:\n" +
			"  ls          list runs, newest first\n" +
			"  show <id>   print one run record",
		Exec: func(_ context.Context, env *Env, o *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("run needs a subcommand")
			}

			c, err := env.Open()
			if err != nil {
				return err
			}

			switch args[0] {
			case "ls":
				records, lsErr := c.Runs.List()
				if lsErr != nil {
					return lsErr
				}

				for _, record := range records {
					o.Printf("%-28s %-20s %6dms  %s\n",
						record.ID, record.State, record.DurationMS, record.Intent)
				}

				return nil
			case "show":
				if len(args) < 2 {
					return fmt.Errorf("show needs a run id")
				}

				record, getErr := c.Runs.Get(args[1])
				if getErr != nil {
					return getErr
				}

				if *jsonOut {
					return printJSON(o, record)
				}

				o.Printf("id:        %s\n", record.ID)
				o.Printf("state:     %s\n", record.State)
				o.Printf("intent:    %s\n", record.Intent)
				o.Printf("started:   %s\n", record.StartedAt)

				if record.FinishedAt != "" {
					o.Printf("finished:  %s (%dms)\n", record.FinishedAt, record.DurationMS)
				}

				if record.Summary != "" {
					o.Printf("summary:   %s\n", record.Summary)
				}

				for _, note := range record.Notes {
					o.Printf("note:      %s\n", note)
				}

				return nil
			default:
				return fmt.Errorf("unknown run subcommand %q", args[0])
			}
		},
	}
}
