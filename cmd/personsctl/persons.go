package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"persons-desktop/internal/models"
)

func newPersonsCmd() *cobra.Command {
	var search string

	cmd := &cobra.Command{
		Use:   "persons",
		Short: "List persons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.persons.Refresh(cmd.Context(), search); err != nil {
				return err
			}
			renderPersons(cmd.OutOrStdout(), app.persons.Persons())
			return nil
		},
	}

	cmd.Flags().StringVarP(&search, "search", "s", "", "filter by name or CPF")
	return cmd
}

func renderPersons(out io.Writer, list []models.Person) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No persons found.")
		return
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Name", "Date of birth", "CPF", "Sex", "Height", "Weight", "Ideal weight"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, p := range list {
		table.Append([]string{
			strconv.Itoa(p.ID),
			p.Name,
			p.DateOfBirth,
			p.CPF,
			p.Sex,
			formatDecimal(p.Height.Float64()),
			formatDecimal(p.Weight.Float64()),
			formatDecimal(p.IdealWeightValue()),
		})
	}
	table.Render()
}

func renderRowErrors(out io.Writer, rowErrors []string) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "Rejected row"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)

	for i, msg := range rowErrors {
		table.Append([]string{strconv.Itoa(i + 1), msg})
	}
	table.Render()
}

func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
