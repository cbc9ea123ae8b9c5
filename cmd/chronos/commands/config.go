package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/teranos/chronos/am"
	"github.com/teranos/chronos/errors"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chronos.toml configuration",
	Long: `Display and manage the Chronos configuration.

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/chronos/chronos.toml)
3. User config (~/.chronos/chronos.toml)
4. Project config (chronos.toml, searched up from the working directory)
5. Environment variables (CHRONOS_* prefix, e.g. CHRONOS_AGENT_WORKERS)

--config replaces 2-4 with a single file.

Examples:
  chronos config show                     # Show effective configuration
  chronos config show --format json       # Same, as JSON
  chronos config get agent.workers        # Get one value
  chronos config validate                 # Validate effective configuration
  chronos config where                    # Show which source set each value
  chronos config init                     # Write ./chronos.toml with all defaults
  chronos config set agent.workers 10     # Set a value in the project file`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, agent.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade, which files exist, and which source
set each value.`,
	Args: cobra.NoArgs,
	RunE: runConfigWhere,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file holding every default",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in a config file",
	Long: `Set one dotted key in a config file. The file defaults to --config,
then the project chronos.toml, then ./chronos.toml. The previous file is
kept as .back1 (up to three backups).`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	configShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configWhereCmd)
	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configSetCmd)
}

// configViper returns the Viper instance for --config, or the merged cascade.
func configViper(cmd *cobra.Command) (*viper.Viper, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return am.ViperFromFile(path)
	}
	return am.GetViper(), nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	v, err := configViper(cmd)
	if err != nil {
		return err
	}

	settings := v.AllSettings()
	if mail, ok := settings["mail"].(map[string]interface{}); ok {
		if p, _ := mail["password"].(string); p != "" {
			mail["password"] = "********"
		}
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# Chronos configuration\n%s", data)
	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(out, "# Chronos configuration\n%s", data)
	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	v, err := configViper(cmd)
	if err != nil {
		return err
	}
	key := args[0]
	if !v.IsSet(key) {
		return errors.NewNotFoundError("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(key))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(out, "  [default]      built-in defaults")
	for _, c := range am.CandidateFiles() {
		state := "missing"
		if _, err := os.Stat(c.Path); err == nil {
			state = "found"
		}
		fmt.Fprintf(out, "  [%-12s] %s (%s)\n", c.Source, c.Path, state)
	}
	fmt.Fprintln(out, "  [environment]  CHRONOS_* variables")
	fmt.Fprintln(out)

	intro := am.GetConfigIntrospection()
	rows := make([][]string, 0, len(intro.Settings))
	for _, s := range intro.Settings {
		source := string(s.Source)
		if s.SourcePath != "" && s.Source != am.SourceDefault {
			source += " (" + s.SourcePath + ")"
		}
		rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), source})
	}
	if err := renderTable(cmd, []string{"Key", "Value", "Source"}, rows); err != nil {
		return err
	}

	counts := intro.CountBySource()
	fmt.Fprintf(out, "%d settings: %d default, %d from files, %d from environment\n",
		len(intro.Settings),
		counts[am.SourceDefault],
		counts[am.SourceSystem]+counts[am.SourceUser]+counts[am.SourceProject],
		counts[am.SourceEnvironment])
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := am.DefaultConfigName
	if len(args) == 1 {
		path = args[0]
	}
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return errors.WithHint(errors.Newf("%s already exists", path), "use --force to overwrite it (a .back1 copy is kept)")
	}
	if err := am.WriteDefaults(path); err != nil {
		return err
	}
	pterm.Success.Printfln("Wrote %s", path)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path := configTarget(cmd)
	if err := am.SetFileValue(path, args[0], parseValue(args[1])); err != nil {
		return err
	}
	am.Reset()
	pterm.Success.Printfln("Set %s in %s", args[0], path)
	return nil
}

// configTarget picks the file config set writes to.
func configTarget(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	if project := am.ProjectConfigPath(); project != "" {
		return project
	}
	return filepath.Join(".", am.DefaultConfigName)
}

// parseValue keeps TOML types for booleans, integers and comma lists.
func parseValue(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return s
}
