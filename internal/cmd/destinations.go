package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var destinationsCmd = &cobra.Command{
	Use:     "destinations",
	Aliases: []string{"dest"},
	Short:   "Inspect configured destinations",
}

var destinationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List destinations",
	Args:  cobra.NoArgs,
	RunE:  runDestinationsList,
}

var destinationsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a destination's descriptor and settings schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runDestinationsShow,
}

func init() {
	rootCmd.AddCommand(destinationsCmd)
	destinationsCmd.AddCommand(destinationsListCmd, destinationsShowCmd)

	destinationsListCmd.Flags().Bool("json", false, "Output as JSON")
	destinationsShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDestinationsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	names, err := env.registry.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if names == nil {
			names = []string{}
		}
		return encodeJSON(out, names)
	}
	if len(names) == 0 {
		_, _ = fmt.Fprintf(out, "No destinations found in %s\n", env.registry.RootDir())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "NAME\tDISPLAY NAME\tSETTINGS")
	for _, name := range names {
		d, err := env.registry.Resolve(name)
		if err != nil {
			_, _ = fmt.Fprintf(w, "%s\t(invalid: %v)\t-\n", name, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", name, orDash(d.DisplayName), len(d.Settings))
	}
	return nil
}

func runDestinationsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	d, err := env.registry.Resolve(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return encodeJSON(out, d)
	}

	_, _ = fmt.Fprintf(out, "name=%s\n", d.Name)
	_, _ = fmt.Fprintf(out, "display_name=%s\n", d.DisplayName)
	if d.Description != "" {
		_, _ = fmt.Fprintf(out, "description=%s\n", d.Description)
	}
	_, _ = fmt.Fprintf(out, "runner=%s\n", d.Runner)
	if len(d.Settings) == 0 {
		return nil
	}

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "SETTING\tTYPE\tDEFAULT\tPATTERN\tSECRET")
	for _, key := range d.Keys() {
		spec := d.Settings[key]
		def := "-"
		if spec.Default != nil {
			def = fmt.Sprintf("%v", spec.Default)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", key, spec.Type, def, orDash(spec.Pattern), spec.Secret)
	}
	return nil
}
