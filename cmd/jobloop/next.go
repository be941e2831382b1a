package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobloop/internal/app"
	"jobloop/internal/config"
)

func newNextCmd(cfgPath *string) *cobra.Command {
	var (
		count   int
		asJSON  bool
		fromRaw string
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Preview upcoming due times of configured jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			from := time.Now()
			if fromRaw != "" {
				if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
					return errors.Wrap(err, "--from")
				}
			}
			previews, err := app.Preview(cfg, from, count)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(previews)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tENABLED\tSCHEDULE\tNEXT")
			for _, p := range previews {
				if len(p.Due) == 0 {
					fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.Name, p.Enabled, p.Schedule, "never")
					continue
				}
				for i, due := range p.Due {
					if i == 0 {
						fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.Name, p.Enabled, p.Schedule, due.Format(time.RFC3339))
					} else {
						fmt.Fprintf(tw, "\t\t\t%s\n", due.Format(time.RFC3339))
					}
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 3, "due times per job")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&fromRaw, "from", "", "preview after this RFC3339 instant (default: now)")
	return cmd
}
