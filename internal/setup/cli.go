package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/trial-prescreen-server/internal/config"
)

// CLI provides command-line interface for setup operations.
type CLI struct {
	cfg    *config.LiteConfig
	reader *bufio.Reader
	out    io.Writer
}

// NewCLI creates a new setup CLI instance.
func NewCLI(cfg *config.LiteConfig, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:    cfg,
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run executes the setup command based on the provided arguments.
func (c *CLI) Run(args []string) error {
	if len(args) == 0 {
		return c.showHelp()
	}

	switch args[0] {
	case "init":
		return c.initData(args[1:])
	case "status":
		return c.showStatus()
	case "validate":
		return c.validate()
	case "help", "--help", "-h":
		return c.showHelp()
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n\n", args[0])
		return c.showHelp()
	}
}

// showHelp displays usage information.
func (c *CLI) showHelp() error {
	help := `
Trial Prescreening Console Setup

Usage:
  prescreen-lite setup <command> [options]

Commands:
  init       Create the data directory and a sample criteria file
  status     Show current setup status
  validate   Validate the criteria file and configuration

Examples:
  # Create ~/.trial-prescreen/criteria.json with a demo study
  prescreen-lite setup init

  # Replace an existing criteria file without asking
  prescreen-lite setup init --force

  # Check current setup status
  prescreen-lite setup status
`
	fmt.Fprintln(c.out, help)
	return nil
}

// initData writes the sample criteria, asking before it replaces a file.
func (c *CLI) initData(args []string) error {
	force := false
	for _, a := range args {
		if a == "--force" || a == "-f" {
			force = true
		}
	}

	if err := c.cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	path := c.cfg.CriteriaPath()
	err := WriteSampleCriteria(path, force)
	if errors.Is(err, ErrCriteriaExists) {
		fmt.Fprintf(c.out, "%s already exists. Replace it with the sample study? [y/N]: ", path)
		response, _ := c.reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(c.out, "Keeping the existing criteria file.")
			return nil
		}
		err = WriteSampleCriteria(path, true)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "✓ Wrote sample criteria for %s to %s\n", SampleTrialID, path)
	fmt.Fprintf(c.out, "Start a prescreening with: prescreen-lite %s\n", SampleTrialID)
	return nil
}

// showStatus displays the current setup status.
func (c *CLI) showStatus() error {
	status := GetStatus(c.cfg)

	fmt.Fprintln(c.out, "Trial Prescreening Console Status")
	fmt.Fprintln(c.out, "=================================")
	fmt.Fprintln(c.out)

	fmt.Fprintln(c.out, "Data Directory:")
	fmt.Fprintf(c.out, "  Path: %s\n", status.DataDir)
	if status.DataDirExists {
		fmt.Fprintln(c.out, "  Status: ✓ Exists")
	} else {
		fmt.Fprintln(c.out, "  Status: - Will be created on first run")
	}
	if status.SessionDBExists {
		fmt.Fprintln(c.out, "  Session DB: ✓ Present")
	} else {
		fmt.Fprintln(c.out, "  Session DB: - Not created yet")
	}
	fmt.Fprintln(c.out)

	fmt.Fprintln(c.out, "Criteria:")
	fmt.Fprintf(c.out, "  File: %s\n", status.CriteriaPath)
	for _, t := range status.Trials {
		fmt.Fprintf(c.out, "  %s: %d inclusion, %d exclusion\n", t.TrialID, t.Inclusions, t.Exclusions)
	}
	fmt.Fprintln(c.out)

	fmt.Fprintln(c.out, "Answer interpretation:")
	if status.NLEnabled {
		fmt.Fprintln(c.out, "  NL service: ✓ Enabled")
	} else {
		fmt.Fprintln(c.out, "  NL service: - Rules only")
	}
	fmt.Fprintln(c.out)

	if len(status.Issues) > 0 {
		fmt.Fprintln(c.out, "Issues:")
		for _, issue := range status.Issues {
			fmt.Fprintf(c.out, "  ⚠ %s\n", issue)
		}
		fmt.Fprintln(c.out)
	}

	return nil
}

// validate checks the current configuration.
func (c *CLI) validate() error {
	fmt.Fprintln(c.out, "Validating configuration...")
	fmt.Fprintln(c.out)

	valid, issues := Validate(c.cfg)

	if valid {
		fmt.Fprintln(c.out, "✓ Configuration is valid!")
		for _, issue := range issues {
			fmt.Fprintf(c.out, "  - %s\n", issue)
		}
		return nil
	}

	fmt.Fprintln(c.out, "✗ Configuration has issues:")
	for _, issue := range issues {
		fmt.Fprintf(c.out, "  - %s\n", issue)
	}
	return errors.New("configuration is not valid")
}
