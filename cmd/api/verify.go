package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ui-toolbox/icon-repository-sub000/internal/app"
	"github.com/ui-toolbox/icon-repository-sub000/internal/gitrepo"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

var errInconsistent = errors.New("database and repository disagree")

func newVerifyCmd(configPath *string) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare database iconfiles with the committed files",
		Long: `Lists iconfiles recorded in the database but missing from HEAD, files
committed without a database row, files whose content differs between the
two stores, and uncommitted changes in the working tree. Exits non-zero when anything is out of step.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closer, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer closer.Close()

			db, err := store.Open(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			repo, err := gitrepo.Provide(cmd.Context(), gitrepo.Options{Root: cfg.Repository.Path, Logger: log})
			if err != nil {
				return err
			}

			report, err := app.VerifyConsistency(cmd.Context(), store.NewIconRepository(db, log), repo)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				for _, path := range report.Missing {
					fmt.Fprintln(out, "missing from repository:", path)
				}
				for _, path := range report.Extra {
					fmt.Fprintln(out, "not in database:", path)
				}
				for _, path := range report.Mismatched {
					fmt.Fprintln(out, "content differs:", path)
				}
				if report.Dirty {
					fmt.Fprintln(out, "working tree has uncommitted changes")
				}
				if report.Consistent() {
					fmt.Fprintln(out, "consistent")
				}
			}
			if !report.Consistent() {
				return errInconsistent
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}
