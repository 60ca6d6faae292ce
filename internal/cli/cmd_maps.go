package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/forgeflow/forgeflow/internal/repo"
	"github.com/forgeflow/forgeflow/internal/run"
)

func cmdMaps() *Command {
	flags := flag.NewFlagSet("maps", flag.ContinueOnError)

	status := flags.String("status", "", "filter ls by status")
	tag := flags.String("tag", "", "filter ls by tag, or hint tag for top")
	limit := flags.Int("limit", 5, "result count for top")
	file := flags.String("file", "", "JSON file holding the record for put")
	jsonOut := flags.Bool("json", false, "print records as JSON")

	return &Command{
		Flags: flags,
		Usage: "maps <ls|show|top|hot|put|archive> [id] [flags]",
		Short: "inspect and mutate the map repository",
		Long: "Subcommands:\n" +
			"  ls                 list map metadata\n" +
			"  show <id>          print one record (counts as an access)\n" +
			"  top                rank maps by relevance against --tag hints\n" +
			"  hot                print the hot index\n" +
			"  put <id> --file f  upsert a record inside a run\n" +
			"  archive <id>       move a record to the archive inside a run",
		Exec: func(ctx context.Context, env *Env, o *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("maps needs a subcommand")
			}

			c, err := env.Open()
			if err != nil {
				return err
			}

			switch args[0] {
			case "ls":
				metas, lsErr := c.Repo.List(repo.ListFilter{Status: repo.Status(*status), Tag: *tag})
				if lsErr != nil {
					return lsErr
				}

				for _, meta := range metas {
					o.Printf("%-30s %-10s %s\n", meta.ID, meta.Status, meta.UpdatedAt)
				}

				return nil
			case "show":
				if len(args) < 2 {
					return fmt.Errorf("show needs a map id")
				}

				m, readErr := c.Repo.Read(args[1])
				if readErr != nil {
					return readErr
				}

				return printJSON(o, m)
			case "top":
				var hint repo.Hint
				if *tag != "" {
					hint.Tags = []string{*tag}
				}

				scored, topErr := c.Repo.TopMaps(hint, *limit)
				if topErr != nil {
					return topErr
				}

				for _, s := range scored {
					o.Printf("%.3f  %-30s fresh=%.2f tags=%.2f sem=%.2f\n",
						s.Total, s.Map.ID, s.Freshness, s.TagsMatch, s.Semantic)
				}

				return nil
			case "hot":
				entries, hotErr := c.Repo.Hot()
				if hotErr != nil {
					return hotErr
				}

				for _, entry := range entries {
					o.Printf("%4d  %-30s last=%s\n", entry.AccessCount, entry.MapID, entry.LastAccessed)
				}

				return nil
			case "put":
				if len(args) < 2 {
					return fmt.Errorf("put needs a map id")
				}

				if *file == "" {
					return fmt.Errorf("put needs --file")
				}

				raw, readErr := os.ReadFile(*file)
				if readErr != nil {
					return fmt.Errorf("read %s: %w", *file, readErr)
				}

				var m repo.Map

				unmarshalErr := json.Unmarshal(raw, &m)
				if unmarshalErr != nil {
					return fmt.Errorf("parse %s: %w", *file, unmarshalErr)
				}

				m.ID = args[1]
				if m.Status == "" {
					m.Status = repo.StatusActive
				}

				return inRun(ctx, c.Runs, "maps put "+args[1], func(active *run.Active) error {
					saved, putErr := c.Repo.Upsert(m, active.ID())
					if putErr != nil {
						return putErr
					}

					if *jsonOut {
						return printJSON(o, saved)
					}

					o.Printf("upserted %s version %d\n", saved.ID, saved.Version)

					return nil
				})
			case "archive":
				if len(args) < 2 {
					return fmt.Errorf("archive needs a map id")
				}

				return inRun(ctx, c.Runs, "maps archive "+args[1], func(active *run.Active) error {
					archiveErr := c.Repo.Archive(args[1], active.ID())
					if archiveErr != nil {
						return archiveErr
					}

					o.Printf("archived %s\n", args[1])

					return nil
				})
			default:
				return fmt.Errorf("unknown maps subcommand %q", args[0])
			}
		},
	}
}

// inRun wraps a mutation in a run: the run carries the lock and its state
// reflects whether the body succeeded.
func inRun(ctx context.Context, runs *run.Runs, intent string, body func(active *run.Active) error) error {
	active, err := runs.Start(ctx, intent, 0)
	if err != nil {
		return err
	}

	bodyErr := body(active)

	state := run.StateSucceeded
	summary := "ok"

	if bodyErr != nil {
		state = run.StateFailed
		summary = bodyErr.Error()
	}

	_, finishErr := active.Finish(state, summary)
	if bodyErr != nil {
		return bodyErr
	}

	return finishErr
}

func printJSON(o *IO, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	o.Println(string(data))

	return nil
}
