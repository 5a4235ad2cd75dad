package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var catalogJSON bool

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the schemas, tables and columns the guard allows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, closeDB, err := loadCatalog(cmd.Context(), cfg, newLogger())
		if err != nil {
			return err
		}
		defer closeDB()

		if catalogJSON {
			fmt.Fprintln(cmd.OutOrStdout(), c.DescribeJSON())
			return nil
		}

		for _, d := range c.Describe() {
			pterm.DefaultSection.Println(d.SchemaName + "." + d.TableName)
			if d.Description != "" {
				pterm.Println(d.Description)
			}
			data := pterm.TableData{{"Column", "Description"}}
			for _, col := range c.TableColumns(d.SchemaName, d.TableName) {
				data = append(data, []string{col, d.Fields[col]})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	catalogCmd.Flags().BoolVar(&catalogJSON, "json", false, "Print the catalog description document")
	rootCmd.AddCommand(catalogCmd)
}
