package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openstratus/stratus/pkg/template"
)

func newValidateCommand() *cobra.Command {
	var (
		paramFlags []string
	)

	cmd := &cobra.Command{
		Use:   "validate <template-file>",
		Short: "Validate a stack template",
		Long: `Validate a stack template without touching any stack.

The template is parsed, parameters are merged with their defaults, intrinsic
references are resolved to a dependency graph, and the graph is checked for
unknown references and cycles.`,
		Example: `  # Validate a template
  stratus validate ./stack.yaml

  # Validate with explicit parameter values
  stratus validate ./stack.yaml --param size=large`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}
			params, err := parseParams(paramFlags)
			if err != nil {
				return err
			}

			tmpl, err := template.NewEngine().Parse(cmd.Context(), raw, params)
			if err != nil {
				return fmt.Errorf("template is invalid: %w", err)
			}

			if jsonOutput {
				return printJSON(tmpl)
			}

			fmt.Printf("✓ Template is valid (version %s)\n", tmpl.Version)
			if tmpl.Description != "" {
				fmt.Printf("  %s\n", tmpl.Description)
			}

			names := make([]string, 0, len(tmpl.Resources))
			for name := range tmpl.Resources {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("\nResources (%d):\n", len(names))
			w := newTable()
			fmt.Fprintln(w, "NAME\tTYPE\tREQUIRES")
			for _, name := range names {
				def := tmpl.Resources[name]
				requires := "-"
				if len(def.Requires) > 0 {
					requires = strings.Join(def.Requires, ", ")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, def.Type, requires)
			}
			w.Flush()

			if len(tmpl.Outputs) > 0 {
				outputs := make([]string, 0, len(tmpl.Outputs))
				for name := range tmpl.Outputs {
					outputs = append(outputs, name)
				}
				sort.Strings(outputs)
				fmt.Printf("\nOutputs: %s\n", strings.Join(outputs, ", "))
			}

			return nil
		},
	}

	cmd.Flags().StringArrayVar(&paramFlags, "param", nil, "template parameter (key=value, repeatable)")

	return cmd
}
