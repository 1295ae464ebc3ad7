package commands

import (
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/polar/am"
	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage polar configuration",
	Long: sym.AM + ` am - manage polar configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/polar/am.toml)
3. User config (~/.polar/am.toml)
4. Project config (./am.toml, searched upwards)
5. Environment variables (POLAR_* prefix)

Examples:
  polar am show --format json
  polar am get scheduler.due_batch_limit
  polar am set scheduler.default_max_attempts 5
  polar am where`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get one configuration value (dot notation)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <section.name> <value>",
	Short: "Write one setting to the user config file",
	Long: `Write one setting to ~/.polar/am.toml (or --file).

The file is validated before it is replaced and the previous version is
kept as .back1. A running "polar pulse start" reloads it.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting comes from",
	RunE:  runAmWhere,
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")
	amSetCmd.Flags().String("file", "", "Config file to write (default ~/.polar/am.toml)")
	addJSONFlag(amWhereCmd)

	AmCmd.AddCommand(amShowCmd, amGetCmd, amSetCmd, amValidateCmd, amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		return printJSON(out, cfg)
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# polar configuration\n%s", data)
	case "toml":
		data, err := am.ToTOML(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# polar configuration\n%s", data)
	default:
		return errors.NewInvalidRequestError("unsupported format %q (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return err
	}
	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return errors.NewNotFoundError("configuration key %q not found", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(args[0]))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path = am.UserConfigPath()
	}
	if err := am.SaveSetting(path, args[0], am.ParseValue(args[1])); err != nil {
		return err
	}
	pterm.Success.Printf("Set %s = %s in %s\n", args[0], args[1], path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	// Load validates; a failure carries every issue.
	if _, err := am.Load(); err != nil {
		if verr, ok := errors.AsValidationError(err); ok {
			for _, issue := range verr.Issues {
				pterm.Error.Printf("%s: %s\n", issue.Field, issue.Message)
			}
		}
		return err
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return err
	}
	intro := am.GetConfigIntrospection()
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), intro)
	}

	if len(intro.Files) == 0 {
		pterm.Info.Println("No config files found; using defaults and environment")
	} else {
		pterm.Info.Println("Config files (later overrides earlier):")
		for _, f := range intro.Files {
			pterm.Printf("  %s\n", f)
		}
	}

	settings := append([]am.SettingInfo(nil), intro.Settings...)
	sort.SliceStable(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
	rows := make([][]string, 0, len(settings))
	for _, s := range settings {
		rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return printTable(cmd.OutOrStdout(), []string{"Key", "Value", "Source", "From"}, rows)
}

