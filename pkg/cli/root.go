package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
)

const (
	defaultServer = "http://localhost:8080"
	envServer     = "COMMUNE_API_URL"
	envActor      = "COMMUNE_ACTOR"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet

	out    io.Writer
	server *string
	actor  *string
}

// NewRootCommand creates the root command writing results to out
func NewRootCommand(out io.Writer) *Command {
	root := &Command{
		Name:        "commune",
		Description: "Commune - tenant billing and lifecycle operator CLI",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("commune", flag.ContinueOnError),
		out:         out,
	}
	root.Flags.SetOutput(out)

	server := os.Getenv(envServer)
	if server == "" {
		server = defaultServer
	}
	root.server = root.Flags.String("server", server, "Commune API base URL")
	root.actor = root.Flags.String("actor", os.Getenv(envActor), "Operator identity sent as X-Actor")

	// Add subcommands
	root.Subcommands["tenant"] = newTenantCommand(root)
	root.Subcommands["quotas"] = newQuotasCommand(root)
	root.Subcommands["suspend"] = newTransitionCommand(root, "suspend", "Suspend a tenant")
	root.Subcommands["unsuspend"] = newTransitionCommand(root, "unsuspend", "Lift a tenant suspension")
	root.Subcommands["archive"] = newTransitionCommand(root, "archive", "Archive a tenant")
	root.Subcommands["delete"] = newDeleteCommand(root)
	root.Subcommands["audit"] = newAuditCommand(root)
	root.Subcommands["apply-change"] = newApplyChangeCommand(root)
	root.Subcommands["consistency"] = newConsistencyCommand(root)

	return root
}

// Execute runs the command against the given arguments (without the program name)
func (c *Command) Execute(args []string) error {
	if err := c.Flags.Parse(args); err != nil {
		return err
	}
	args = c.Flags.Args()
	if len(args) == 0 {
		return c.usage()
	}

	// Check for help flag
	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		return c.usage()
	}

	// Check for subcommand
	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

func (c *Command) client() *Client {
	return NewClient(*c.server, *c.actor)
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Fprintf(c.out, "Usage: %s [-server url] [-actor who] <command> [args]\n\n", c.Name)
	fmt.Fprintf(c.out, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

func newSubcommand(root *Command, name, description string) *Command {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(root.out)
	return &Command{
		Name:        name,
		Description: description,
		Flags:       fs,
		out:         root.out,
	}
}
