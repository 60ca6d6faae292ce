package cli

import (
	"context"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/forgeflow/forgeflow/internal/run"
)

func cmdIncident() *Command {
	flags := flag.NewFlagSet("incident", flag.ContinueOnError)

	severity := flags.String("severity", "medium", "severity for open")
	status := flags.String("status", "", "filter ls by status")
	maps := flags.StringSlice("map", nil, "related map ids for open")
	jsonOut := flags.Bool("json", false, "print records as JSON")

	return &Command{
		Flags: flags,
		Usage: "incident <open|resolve|note|ls|show> [args] [flags]",
		Short: "record and resolve store incidents",
		Long: "Incidents are recordable even while the store is read_only.\n\n" +
			"Subcommands:\n" +
			"  open <summary...>       open an incident\n" +
			"  resolve <id> <rca...>   resolve with a root-cause analysis\n" +
			"  note <id> <text...>     append a note\n" +
			"  ls                      list incidents\n" +
			"  show <id>               print one incident",
		Exec: func(_ context.Context, env *Env, o *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("incident needs a subcommand")
			}

			c, err := env.Open()
			if err != nil {
				return err
			}

			switch args[0] {
			case "open":
				if len(args) < 2 {
					return fmt.Errorf("open needs a summary")
				}

				incident, openErr := c.Incidents.Open(*severity, strings.Join(args[1:], " "), *maps)
				if openErr != nil {
					return openErr
				}

				o.Printf("opened %s\n", incident.ID)

				return nil
			case "resolve":
				if len(args) < 3 {
					return fmt.Errorf("resolve needs an id and an rca")
				}

				incident, resolveErr := c.Incidents.Resolve(args[1], strings.Join(args[2:], " "))
				if resolveErr != nil {
					return resolveErr
				}

				o.Printf("resolved %s at %s\n", incident.ID, incident.ResolvedAt)

				return nil
			case "note":
				if len(args) < 3 {
					return fmt.Errorf("note needs an id and text")
				}

				_, noteErr := c.Incidents.AddNote(args[1], strings.Join(args[2:], " "))
				if noteErr != nil {
					return noteErr
				}

				return nil
			case "ls":
				incidents, lsErr := c.Incidents.List(run.IncidentStatus(*status))
				if lsErr != nil {
					return lsErr
				}

				for _, incident := range incidents {
					o.Printf("%-32s %-10s %-8s %s\n",
						incident.ID, incident.Status, incident.Severity, incident.Summary)
				}

				return nil
			case "show":
				if len(args) < 2 {
					return fmt.Errorf("show needs an incident id")
				}

				incident, getErr := c.Incidents.Get(args[1])
				if getErr != nil {
					return getErr
				}

				if *jsonOut {
					return printJSON(o, incident)
				}

				o.Printf("id:        %s\n", incident.ID)
				o.Printf("status:    %s\n", incident.Status)
				o.Printf("severity:  %s\n", incident.Severity)
				o.Printf("summary:   %s\n", incident.Summary)
				o.Printf("started:   %s\n", incident.StartedAt)

				if incident.ResolvedAt != "" {
					o.Printf("resolved:  %s\n", incident.ResolvedAt)
					o.Printf("rca:       %s\n", incident.RCA)
				}

				for _, note := range incident.Notes {
					o.Printf("note:      %s\n", note)
				}

				return nil
			default:
				return fmt.Errorf("unknown incident subcommand %q", args[0])
			}
		},
	}
}
