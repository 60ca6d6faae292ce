package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one CLI subcommand with its flag set and help text.
type Command struct {
	// Flags holds the command-specific flags.
	Flags *flag.FlagSet

	// Usage is the usage string shown after "forgeflow" in help, starting
	// with the command name: "dlq replay <id>", "maps top [flags]".
	Usage string

	// Short is the one-line description for the global listing.
	Short string

	// Long is the full description for "--help"; Short when empty.
	Long string

	// Exec runs the command after flag parsing.
	Exec func(ctx context.Context, env *Env, o *IO, args []string) error
}

// Name returns the command name, the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine formats the one-line entry for the global help listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-26s %s", c.Usage, c.Short)
}

// PrintHelp prints the full help for "forgeflow <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: forgeflow", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder

		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags and executes the command, returning the exit code.
func (c *Command) Run(ctx context.Context, env *Env, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{}) // suppress pflag's own printing

	err := c.Flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)

		return 1
	}

	err = c.Exec(ctx, env, o, c.Flags.Args())
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}
