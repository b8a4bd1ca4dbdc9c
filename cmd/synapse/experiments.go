package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/synapse-lab/backend/internal/experiment"
	"github.com/synapse-lab/backend/internal/models"
)

var experimentsCmd = &cobra.Command{
	Use:     "experiments",
	Aliases: []string{"exp"},
	Short:   "List, search and create experiment records",
}

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the newest experiments, optionally filtered by title and type",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireToken()
		if err != nil {
			return err
		}
		query, _ := cmd.Flags().GetString("query")
		typ, _ := cmd.Flags().GetString("type")

		list, err := c.ListExperiments(cmd.Context(), experiment.Filter{Query: query, Type: typ})
		if err != nil {
			return err
		}
		return printExperiments(cmd, list)
	},
}

var experimentsSearchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search experiments by title, description or type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireToken()
		if err != nil {
			return err
		}
		list, err := c.SearchExperiments(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printExperiments(cmd, list)
	},
}

var experimentsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft experiment",
	Long: `Create submits a new experiment record. The server assigns its id and
creation time; new records start as drafts. Run 'synapse experiments templates'
to see the condition fields for each technique.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireToken()
		if err != nil {
			return err
		}
		in := experiment.NewExperiment{}
		in.Title, _ = cmd.Flags().GetString("title")
		in.Description, _ = cmd.Flags().GetString("description")
		typ, _ := cmd.Flags().GetString("type")
		in.Type = models.ExperimentType(typ)
		in.Conditions.Sample, _ = cmd.Flags().GetString("sample")
		in.Conditions.Electrolyte, _ = cmd.Flags().GetString("electrolyte")
		in.Conditions.Electrode, _ = cmd.Flags().GetString("electrode")
		in.Conditions.Temperature, _ = cmd.Flags().GetString("temperature")
		in.Conditions.Notes, _ = cmd.Flags().GetString("notes")

		// Validate locally so a bad flag does not cost a round trip.
		if err := in.Validate(); err != nil {
			return err
		}

		exp, err := c.CreateExperiment(cmd.Context(), in)
		if err != nil {
			return fmt.Errorf("experiment not created: %w", err)
		}
		fmt.Println(exp.ID)
		return nil
	},
}

var experimentsTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Show the technique templates and their condition fields",
	Run: func(cmd *cobra.Command, args []string) {
		for _, t := range experiment.Templates() {
			fmt.Printf("%-18s %s\n", t.Type, strings.Join(t.Fields, ", "))
		}
	},
}

func printExperiments(cmd *cobra.Command, list []models.Experiment) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tTYPE\tSTATUS\tCREATED")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Title, e.Type, e.Status, e.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func init() {
	experimentsListCmd.Flags().String("query", "", "case-insensitive title filter")
	experimentsListCmd.Flags().String("type", "all", "experiment type (cv, eis, chronoamperometry, gitt, custom, all)")
	experimentsListCmd.Flags().Bool("json", false, "output as JSON")
	experimentsSearchCmd.Flags().Bool("json", false, "output as JSON")

	experimentsCreateCmd.Flags().String("title", "", "experiment title (required)")
	experimentsCreateCmd.Flags().String("description", "", "free-text description")
	experimentsCreateCmd.Flags().String("type", "custom", "experiment type")
	experimentsCreateCmd.Flags().String("sample", "", "sample")
	experimentsCreateCmd.Flags().String("electrolyte", "", "electrolyte")
	experimentsCreateCmd.Flags().String("electrode", "", "electrode")
	experimentsCreateCmd.Flags().String("temperature", "", "temperature")
	experimentsCreateCmd.Flags().String("notes", "", "notes")

	experimentsCmd.AddCommand(experimentsListCmd, experimentsSearchCmd, experimentsCreateCmd, experimentsTemplatesCmd)
	rootCmd.AddCommand(experimentsCmd)
}
