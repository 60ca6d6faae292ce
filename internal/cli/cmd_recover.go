package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

func cmdRecover() *Command {
	flags := flag.NewFlagSet("recover", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "recover",
		Short: "replay the write-ahead journal and report pending intents",
		Long: "Opens the store, replays the write-ahead journal, and reports any\n" +
			"intents that were pending at the last shutdown. Pending intents mean a\n" +
			"crash interrupted a write; the named targets should be inspected before\n" +
			"trusting their contents.",
		Exec: func(_ context.Context, env *Env, o *IO, _ []string) error {
			c, err := env.Open()
			if err != nil {
				return err
			}

			if len(c.Recovered) == 0 {
				o.Println("journal clean: no pending intents")

				return nil
			}

			o.Printf("journal held %d pending intent(s):\n", len(c.Recovered))

			for _, entry := range c.Recovered {
				o.Printf("  %s  run=%s  target=%s\n", entry.Timestamp, entry.RunID, entry.Target)
			}

			o.Warn("pending intents found: inspect the listed targets before writing")

			return nil
		},
	}
}
