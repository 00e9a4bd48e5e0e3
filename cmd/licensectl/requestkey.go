package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"meshlicense/internal/keycodec"
)

func newRequestKeyCommand() *cobra.Command {
	var (
		device string
		sku    uint16
	)
	cmd := &cobra.Command{
		Use:   "request-key",
		Short: "Generate an activation request key for a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := uuid.Parse(device)
			if err != nil {
				return fmt.Errorf("invalid device id: %w", err)
			}
			key, err := keycodec.EncodeActivationRequestKey(id, sku)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device identity (UUID)")
	cmd.Flags().Uint16Var(&sku, "sku", 0, "SKU id")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newDecodeRequestKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode-request-key <key>",
		Short: "Show the device, SKU and creation time of a request key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rk, err := keycodec.DecodeActivationRequestKey(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"device_id":  rk.DeviceID,
				"sku":        rk.SKU,
				"created_at": rk.CreatedAt,
			})
		},
	}
}
