package main

import (
	"encoding/json"
	"fmt"

	"github.com/leadline/sms-backend/internal/sms"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		params sms.SendParams
		queued bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one SMS through the customer's provider",
		Long:  "Sends directly through the resolved provider, or enqueues an sms_send job with --queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			a, err := newApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.close()

			var result any
			if queued {
				result, err = a.gateway.QueueSMS(cmd.Context(), params)
			} else {
				result, err = a.gateway.Send(cmd.Context(), params)
			}
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}

	cmd.Flags().StringVar(&params.CustomerID, "customer", "", "customer id used to pick the provider and sender number")
	cmd.Flags().StringVar(&params.To, "to", "", "recipient number in E.164 format")
	cmd.Flags().StringVar(&params.Body, "body", "", "message text")
	cmd.Flags().StringVar(&params.From, "from", "", "sender number; defaults to the customer's number")
	cmd.Flags().BoolVar(&queued, "queue", false, "enqueue instead of sending immediately")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}
