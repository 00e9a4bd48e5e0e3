package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"meshlicense/internal/authority"
	"meshlicense/internal/catalog"
	"meshlicense/internal/keycodec"
	"meshlicense/internal/matcher"
)

const dateLayout = "2006-01-02"

func newIssueCommand() *cobra.Command {
	var (
		secret     secretFlags
		requestKey string
		device     string
		licenses   []string
		params     map[string]int
		expires    string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an activation key for a set of licenses",
		Long: `Issue an activation key binding the given license documents to a device.

The device comes from --request-key, or from --device when the operator
already knows it. --param adds a delta to a license parameter, for example
--param things=25.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secret.resolve()
			if err != nil {
				return err
			}

			req := authority.KeyRequest{Deltas: make(map[string]uint8, len(params))}
			for name, delta := range params {
				if delta < 0 || delta > 255 {
					return fmt.Errorf("parameter %s delta %d out of range 0-255", name, delta)
				}
				req.Deltas[name] = uint8(delta)
			}
			if expires != "" {
				t, err := time.Parse(dateLayout, expires)
				if err != nil {
					return fmt.Errorf("invalid --expires date: %w", err)
				}
				req.Expiration = t
			}
			for _, path := range licenses {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				l, err := catalog.ParseDocument(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				req.Licenses = append(req.Licenses, l)
			}

			auth := authority.New("licensectl", key, nil)
			var activationKey string
			switch {
			case requestKey != "":
				var rk keycodec.RequestKey
				activationKey, rk, err = auth.IssueForRequestKey(requestKey, req)
				req.DeviceID = rk.DeviceID
			case device != "":
				if req.DeviceID, err = uuid.Parse(device); err != nil {
					return fmt.Errorf("invalid device id: %w", err)
				}
				activationKey, err = auth.IssueActivationKey(req)
			default:
				return errors.New("one of --request-key or --device is required")
			}
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"activation_key": activationKey,
				"key_hash":       matcher.HashKey(activationKey),
				"device_id":      req.DeviceID,
				"licenses":       len(req.Licenses),
			})
		},
	}
	secret.register(cmd)
	cmd.Flags().StringVar(&requestKey, "request-key", "", "activation request key from the node")
	cmd.Flags().StringVar(&device, "device", "", "device identity (UUID)")
	cmd.Flags().StringArrayVarP(&licenses, "license", "l", nil, "license document to include (repeatable)")
	cmd.Flags().StringToIntVar(&params, "param", nil, "parameter delta as name=value (repeatable)")
	cmd.Flags().StringVar(&expires, "expires", "", "key expiration date (YYYY-MM-DD)")
	cmd.MarkFlagsMutuallyExclusive("request-key", "device")
	_ = cmd.MarkFlagRequired("license")
	return cmd
}

func newInspectKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-key <activation-key>",
		Short: "Decode an activation key without verifying its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := keycodec.DecodeActivationKey(args[0])
			if err != nil {
				return err
			}
			params := make([]int, len(k.Parameters))
			for i, v := range k.Parameters {
				params[i] = int(v)
			}
			out := map[string]any{
				"key_hash":      matcher.HashKey(args[0]),
				"license_count": k.LicenseCount,
				"parameters":    params,
				"flags":         uint8(k.Flags),
				"online":        k.Flags.Has(keycodec.FlagOnlineActivation),
			}
			if exp, ok := k.Expiration(); ok {
				out["expiration"] = exp
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
