// Command siem-rules checks and lists correlation rule files.
package main

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"siem-correlator/internal/correlation"
)

var version = "dev"

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)

	severityStyles = map[correlation.Severity]lipgloss.Style{
		correlation.SeverityLow:      mutedStyle,
		correlation.SeverityMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		correlation.SeverityHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("#F97316")).Bold(true),
		correlation.SeverityCritical: failStyle,
	}
)

const usage = `Usage: siem-rules <command> [flags] [path...]

Commands:
  validate [-verbose] <path>...  check rule files or directories
  list [path...]                 tabulate rules (default path: rules)
  builtin                        print the built-in rules as YAML
  version                        print the version
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// cli carries the output streams shared by every subcommand.
type cli struct {
	out, errOut io.Writer
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	c := cli{out: stdout, errOut: stderr}
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "validate":
		flags := flag.NewFlagSet("validate", flag.ContinueOnError)
		flags.SetOutput(stderr)
		verbose := flags.Bool("verbose", false, "print each rule's settings")
		if err := flags.Parse(rest); err != nil {
			return 2
		}
		if flags.NArg() == 0 {
			fmt.Fprintln(stderr, "validate: at least one path is required")
			return 2
		}
		return c.validate(flags.Args(), *verbose)
	case "list":
		if len(rest) == 0 {
			rest = []string{"rules"}
		}
		return c.list(rest)
	case "builtin":
		return c.builtin()
	case "version", "-version", "--version", "-v":
		fmt.Fprintf(stdout, "siem-rules %s\n", version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

func (c cli) validate(paths []string, verbose bool) int {
	var checked, valid, bad int
	for _, path := range paths {
		files, err := ruleFiles(path)
		if err != nil {
			c.fail(path, err)
			bad++
			continue
		}
		for _, f := range files {
			checked++
			if c.checkFile(f, verbose) {
				valid++
			} else {
				bad++
			}
		}
	}

	fmt.Fprintf(c.out, "\nResults: %d files checked, %d valid, %d invalid\n", checked, valid, bad)
	if bad > 0 {
		return 1
	}
	return 0
}

func (c cli) fail(path string, err error) {
	fmt.Fprintf(c.out, "  %s  %s: %v\n", failStyle.Render("FAIL"), path, err)
}

// checkFile validates a file exactly as a reload would, so every bad rule
// in it is listed, including regexes that do not compile.
func (c cli) checkFile(path string, verbose bool) bool {
	rules, err := readRules(path)
	if err != nil {
		c.fail(path, err)
		return false
	}

	err = correlation.NewRegistry(correlation.DefaultRegistryConfig()).Validate(rules)
	if err != nil {
		fmt.Fprintf(c.out, "  %s  %s\n", failStyle.Render("FAIL"), path)
		c.explain(err)
		return false
	}

	fmt.Fprintf(c.out, "  %s    %s %s\n", okStyle.Render("OK"), path, mutedStyle.Render(fmt.Sprintf("(%d rule(s))", len(rules))))
	if verbose {
		for _, r := range rules {
			c.describe(r)
		}
	}
	return true
}

func (c cli) explain(err error) {
	var cerr *correlation.ConfigError
	if !errors.As(err, &cerr) {
		fmt.Fprintf(c.out, "        %v\n", err)
		return
	}
	for _, p := range cerr.Problems {
		id := cmp.Or(p.RuleID, "<no id>")
		fmt.Fprintf(c.out, "        rule[%d] %s: %s\n", p.Index, id, strings.Join(p.Problems, ", "))
	}
}

func (c cli) describe(r correlation.Rule) {
	fmt.Fprintf(c.out, "        - [%s] %s (threshold=%d, window=%s, severity=%s)\n",
		r.ID, r.DisplayName(), r.Threshold, r.Window, r.Severity)
	fmt.Fprintf(c.out, "          %s pattern: %s\n", r.Match, r.Pattern)
	if len(r.Tags) > 0 {
		fmt.Fprintf(c.out, "          tags: %s\n", strings.Join(r.Tags, ", "))
	}
}

func (c cli) list(paths []string) int {
	header := fmt.Sprintf("%-28s  %-9s  %-10s  %-8s  %s", "ID", "THRESHOLD", "WINDOW", "SEVERITY", "NAME")
	fmt.Fprintln(c.out, titleStyle.Render(header))

	code := 0
	for _, path := range paths {
		files, err := ruleFiles(path)
		if err != nil {
			fmt.Fprintf(c.errOut, "read %s: %v\n", path, err)
			code = 1
			continue
		}
		for _, f := range files {
			rules, err := readRules(f)
			if err != nil {
				fmt.Fprintf(c.errOut, "read %s: %v\n", f, err)
				code = 1
				continue
			}
			for _, r := range rules {
				c.row(r)
			}
		}
	}
	return code
}

func (c cli) row(r correlation.Rule) {
	sev := fmt.Sprintf("%-8s", r.Severity)
	if style, ok := severityStyles[r.Severity]; ok {
		sev = style.Render(sev)
	}
	name := r.DisplayName()
	if !r.Enabled {
		name = mutedStyle.Render(name + " (disabled)")
	}
	fmt.Fprintf(c.out, "%-28s  %-9d  %-10s  %s  %s\n", r.ID, r.Threshold, r.Window, sev, name)
}

func (c cli) builtin() int {
	data, err := correlation.MarshalRules(correlation.BuiltinRules())
	if err != nil {
		fmt.Fprintf(c.errOut, "marshal builtin rules: %v\n", err)
		return 1
	}
	c.out.Write(data)
	return 0
}

func readRules(path string) ([]correlation.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return correlation.ParseRules(data)
}

// ruleFiles expands a directory to the YAML and JSON files beneath it.
// A file path is returned as is.
func ruleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml", ".json":
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
