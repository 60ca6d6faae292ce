package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

func cmdVerify() *Command {
	flags := flag.NewFlagSet("verify", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "verify",
		Short: "verify the audit chain, journal, and ledger without mutating",
		Long: "Checks every link of the audit chain, counts pending journal intents,\n" +
			"and reports the ledger sequence. Nothing is modified: the journal is\n" +
			"not replayed and pending intents stay on disk.",
		Exec: func(_ context.Context, env *Env, o *IO, _ []string) error {
			c, err := env.OpenForInspection()
			if err != nil {
				return err
			}

			report, err := c.VerifyIntegrity()
			if err != nil {
				return err
			}

			o.Printf("audit entries checked: %d\n", report.Audit.Checked)

			if report.Audit.OK() {
				o.Println("audit chain: ok")
			} else {
				o.Printf("audit chain: DIVERGED at entry %d: %s\n",
					report.Audit.DivergedAt, report.Audit.Reason)
				o.Warn("audit chain diverged: the log was modified in place")
			}

			o.Printf("pending journal intents: %d\n", report.WALPending)

			if report.WALPending > 0 {
				o.Warn("journal has pending intents: run 'forgeflow recover'")
			}

			o.Printf("ledger sequence: %d\n", report.LedgerSeq)

			return nil
		},
	}
}
