package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	submitBuildID        string
	submitProjectID      string
	submitOwnerStorageID string
	submitEngine         string
	submitMainFile       string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a build for a project",
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, err := parseUser()
		if err != nil {
			return err
		}
		projectID, err := uuid.Parse(submitProjectID)
		if err != nil {
			return fmt.Errorf("invalid --project: %w", err)
		}
		buildID := uuid.New()
		if submitBuildID != "" {
			if buildID, err = uuid.Parse(submitBuildID); err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
		}
		params := &SubmitParams{
			BuildID:   buildID,
			UserID:    userID,
			ProjectID: projectID,
			Engine:    submitEngine,
			MainFile:  submitMainFile,
		}
		if submitOwnerStorageID != "" {
			ownerID, err := uuid.Parse(submitOwnerStorageID)
			if err != nil {
				return fmt.Errorf("invalid --owner: %w", err)
			}
			params.OwnerStorageID = &ownerID
		}

		b, err := newClient().Submit(cmd.Context(), params)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), b)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <build-id>",
	Short: "Show a build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUser()
		if err != nil {
			return err
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid build id: %w", err)
		}

		b, err := newClient().GetBuild(cmd.Context(), id, userID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), b)
	},
}

var pdfOutput string

var pdfCmd = &cobra.Command{
	Use:   "pdf <project-id>",
	Short: "Download the latest PDF of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		userID, err := parseUser()
		if err != nil {
			return err
		}
		projectID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid project id: %w", err)
		}

		w := cmd.OutOrStdout()
		if pdfOutput != "" && pdfOutput != "-" {
			f, createErr := os.Create(pdfOutput)
			if createErr != nil {
				return createErr
			}
			defer func() {
				if closeErr := f.Close(); err == nil {
					err = closeErr
				}
			}()
			w = f
		}
		return newClient().DownloadPDF(cmd.Context(), projectID, userID, w)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show worker health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		h, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		if err = printJSON(cmd.OutOrStdout(), h); err != nil {
			return err
		}
		if h["status"] != "ok" {
			return errors.New("worker is degraded")
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitBuildID, "id", "", "build ID, reused to retry a submission (default: random)")
	submitCmd.Flags().StringVar(&submitProjectID, "project", "", "project ID")
	submitCmd.Flags().StringVar(&submitOwnerStorageID, "owner", "", "project storage owner ID (default: --user)")
	submitCmd.Flags().StringVar(&submitEngine, "engine", "", "pdflatex, xelatex, lualatex or latex")
	submitCmd.Flags().StringVar(&submitMainFile, "main", "", "main file relative to the project root")
	_ = submitCmd.MarkFlagRequired("project")

	pdfCmd.Flags().StringVarP(&pdfOutput, "output", "o", "", "output file (default: stdout)")

	rootCmd.AddCommand(submitCmd, getCmd, pdfCmd, healthCmd)
}

func parseUser() (uuid.UUID, error) {
	if flagUser == "" {
		return uuid.UUID{}, errors.New("missing --user or BACKSLASH_USER")
	}
	id, err := uuid.Parse(flagUser)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid --user: %w", err)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
