package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flexinfer/realsched/internal/validator"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Check ensemble manifests without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := validator.New()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read manifest: %w", err)
				}
				m, res := v.Load(data)
				if !res.Valid {
					invalid++
					fmt.Fprintf(out, "%s: invalid\n", path)
					for _, e := range res.Errors {
						fmt.Fprintf(out, "  %s: %s\n", e.Path, e.Message)
					}
					continue
				}
				fmt.Fprintf(out, "%s: ok (%s, %d realizations)\n", path, m.Name, len(m.Realizations))
				a.logger.Debug("manifest valid", "path", path, "executable", m.Executable)
			}
			if invalid > 0 {
				return errors.New("manifest validation failed")
			}
			return nil
		},
	}
}
