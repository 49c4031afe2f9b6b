package cmd

import (
	"fmt"
	"sort"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/pushq/pkg/destination"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage saved settings profiles",
	Long: `Profiles are named, validated settings sets saved per destination.
'jobs create --profile' starts from a profile and layers --set values on top.`,
}

var profilesSaveCmd = &cobra.Command{
	Use:   "save <destination> <profile>",
	Short: "Save or replace a profile",
	Args:  cobra.ExactArgs(2),
	RunE:  runProfilesSave,
}

var profilesShowCmd = &cobra.Command{
	Use:   "show <destination> <profile>",
	Short: "Show a profile",
	Args:  cobra.ExactArgs(2),
	RunE:  runProfilesShow,
}

var profilesListCmd = &cobra.Command{
	Use:   "list <destination>",
	Short: "List profiles for a destination",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesList,
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete <destination> <profile>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(2),
	RunE:  runProfilesDelete,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesSaveCmd, profilesShowCmd, profilesListCmd, profilesDeleteCmd)

	profilesSaveCmd.Flags().StringArray("set", nil, "Setting as key=value (repeatable)")
	profilesShowCmd.Flags().Bool("json", false, "Output as JSON")
	profilesShowCmd.Flags().Bool("reveal", false, "Show secret values")
	profilesListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runProfilesSave(cmd *cobra.Command, args []string) error {
	dest, profile := args[0], args[1]
	pairs, _ := cmd.Flags().GetStringArray("set")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	settings, err := parseSettings(env.registry, dest, pairs)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --set value", err)
	}
	if err := env.profiles.Save(dest, profile, settings); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "saved=%s/%s\n", dest, profile)
	return nil
}

func runProfilesShow(cmd *cobra.Command, args []string) error {
	dest, profile := args[0], args[1]
	jsonOutput, _ := cmd.Flags().GetBool("json")
	reveal, _ := cmd.Flags().GetBool("reveal")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	settings, err := env.profiles.Load(dest, profile, destination.LoadOptions{})
	if err != nil {
		return err
	}
	if !reveal {
		settings = env.registry.Redact(dest, settings)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return encodeJSON(out, settings)
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(out, "%s=%v\n", k, settings[k])
	}
	return nil
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	names, err := env.profiles.List(args[0])
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
		_, _ = fmt.Fprintln(out, "No profiles found")
		return nil
	}
	for _, name := range names {
		_, _ = fmt.Fprintln(out, name)
	}
	return nil
}

func runProfilesDelete(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.profiles.Delete(args[0], args[1]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted=%s/%s\n", args[0], args[1])
	return nil
}
