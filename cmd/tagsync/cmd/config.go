package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/tagsync/internal/config"
)

const redacted = "[REDACTED]"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing tagsync configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the configuration",
	Long: `Dump configuration values in YAML format.

Without --effective this prints the built-in defaults, which can be
redirected to a file to start a configuration:

  tagsync config dump > tagsync.yaml

With --effective it prints the merged result of the config file, .env and
environment, with secrets redacted.

Environment variables use the TAGSYNC_ prefix and underscores for nesting.
Example: registry.location_id -> TAGSYNC_REGISTRY_LOCATION_ID`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)

	// Defaults alone do not validate, so loading is deferred to the command.
	configCmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }
	configDumpCmd.Flags().Bool("effective", false, "include the config file and environment")
}

// toMap converts a struct to a map, formatting durations and sizes for human
// readability and redacting fields tagged masq:"secret".
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		if fieldType.Tag.Get("masq") == "secret" {
			if !field.IsZero() {
				result[key] = redacted
			} else {
				result[key] = ""
			}
			continue
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = formatDuration(v)
		case config.ByteSize:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

// formatDuration drops zero trailing units, so 1h0m0s prints as 1h.
func formatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	var (
		cfg *config.Config
		err error
	)
	if effective, _ := cmd.Flags().GetBool("effective"); effective {
		cfg, err = config.Load(cfgFile)
	} else {
		v := viper.New()
		config.SetDefaults(v)
		cfg, err = config.Unmarshal(v)
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# tagsync Configuration File")
	fmt.Fprintln(out, "# ===========================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(out, "# Size format: 200MB, 1GiB")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   TAGSYNC_REGISTRY_BASE_URL, TAGSYNC_REGISTRY_LOCATION_ID")
	fmt.Fprintln(out, "#   TAGSYNC_NETWORK_BASE_IP, TAGSYNC_STORAGE_BASE_DIR")
	fmt.Fprintln(out, "#   TAGSYNC_LOGGING_LEVEL, TAGSYNC_LOGGING_FORMAT")
	fmt.Fprintln(out, "#   etc.")
	fmt.Fprintln(out, "")
	fmt.Fprint(out, string(yamlData))
	return nil
}
