package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/distributor/internal/bucket"
	"github.com/dreamware/distributor/internal/cluster"
	"github.com/dreamware/distributor/internal/message"
)

func newVisitCmd() *cobra.Command {
	var (
		addr       string
		library    string
		group      string
		buckets    []string
		maxPending int
	)

	cmd := &cobra.Command{
		Use:   "visit",
		Short: "Submit a read-for-write visitor to a distributor",
		Long: `Submit a read-for-write visitor and print its reply as JSON.

Select buckets either by ID (--bucket, repeatable, decimal or 0x hex) or by
document group (--group). The command fails if the distributor answers with
anything but OK; the reply is printed either way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel)

			req := message.CreateVisitorCommand{
				Library:           library,
				Group:             group,
				MaxPendingBuckets: maxPending,
			}
			for _, s := range buckets {
				var b bucket.ID
				if err := b.UnmarshalText([]byte(s)); err != nil {
					return fmt.Errorf("invalid bucket %q: %w", s, err)
				}
				req.Buckets = append(req.Buckets, b)
			}

			url := strings.TrimSuffix(addr, "/") + "/visit"
			var reply message.CreateVisitorReply
			err := cluster.PostJSON(cmd.Context(), url, req, &reply)

			var herr *cluster.HTTPError
			switch {
			case errors.As(err, &herr):
				// Non-OK visitor replies still carry the JSON reply.
				fmt.Fprintln(cmd.OutOrStdout(), herr.Body)
				return fmt.Errorf("visitor failed with status %d", herr.StatusCode)
			case err != nil:
				return fmt.Errorf("submit visitor: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(&reply)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8090", "Distributor base URL")
	cmd.Flags().StringVarP(&library, "library", "l", "", "Visitor library name")
	cmd.Flags().StringVarP(&group, "group", "g", "", "Visit the bucket holding this document group")
	cmd.Flags().StringSliceVarP(&buckets, "bucket", "b", nil, "Bucket to visit (repeatable)")
	cmd.Flags().IntVar(&maxPending, "max-pending", 0, "Buckets visited in parallel (0 = server default)")
	_ = cmd.MarkFlagRequired("library")
	return cmd
}
