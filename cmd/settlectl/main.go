package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"settlerails/internal/reconcile"
	"settlerails/internal/server"
	"settlerails/internal/settlement"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "settlectl",
		Short:        "Operate the stablecoin settlement service",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("api", envOr("SETTLE_API", "http://localhost:3000"), "Service base URL")
	rootCmd.PersistentFlags().String("secret", os.Getenv("SETTLE_SERVICE_HMACSECRET"), "HMAC secret shared with the service")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(prepareTransferCmd())
	rootCmd.AddCommand(processPaymentCmd())
	rootCmd.AddCommand(getStatusCmd())
	rootCmd.AddCommand(refundCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func clientFrom(cmd *cobra.Command) *apiClient {
	api, _ := cmd.Flags().GetString("api")
	secret, _ := cmd.Flags().GetString("secret")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return newAPIClient(api, secret, timeout)
}

func prepareTransferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare-transfer",
		Short: "Fetch the EIP-712 message a payer signs to pay the treasury",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			amount, _ := cmd.Flags().GetString("amount")
			validFor, _ := cmd.Flags().GetDuration("valid-for")

			body, err := prepareBody(from, amount, validFor)
			if err != nil {
				return err
			}
			out, _, err := clientFrom(cmd).do(cmd.Context(), http.MethodPost, "/api/v1/transfers/prepare", body, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().String("from", "", "Payer address")
	cmd.Flags().String("amount", "", "Token amount, e.g. 10.5")
	cmd.Flags().Duration("valid-for", 10*time.Minute, "Authorization lifetime")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func prepareBody(from, amount string, validFor time.Duration) (map[string]any, error) {
	if !common.IsHexAddress(from) {
		return nil, fmt.Errorf("from %q is not an address", from)
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	return map[string]any{
		"from":            common.HexToAddress(from),
		"amount":          amt,
		"validForSeconds": int64(validFor / time.Second),
	}, nil
}

func processPaymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-payment",
		Short: "Submit a payment for settlement",
		Long: `Submit a payment for settlement.

With --file the request body is read verbatim from a JSON file. Otherwise
--key signs a freshly prepared transferWithAuthorization for --amount and
the payment is built from the beneficiary flags.`,
		RunE: runProcessPayment,
	}
	cmd.Flags().String("file", "", "JSON payment request")
	cmd.Flags().String("key", "", "Payer private key (hex) used to sign the authorization")
	cmd.Flags().String("amount", "", "Token amount, e.g. 10.5")
	cmd.Flags().String("beneficiary-id", "", "Payout beneficiary id")
	cmd.Flags().String("beneficiary-handle", "", "Payout beneficiary handle")
	cmd.Flags().String("beneficiary-name", "", "Payout beneficiary name")
	cmd.Flags().String("fiat-amount", "", "Fiat amount override")
	cmd.Flags().String("idempotency-key", "", "Idempotency key (random when empty)")
	return cmd
}

func runProcessPayment(cmd *cobra.Command, args []string) error {
	client := clientFrom(cmd)
	ctx := cmd.Context()

	key, _ := cmd.Flags().GetString("idempotency-key")
	if key == "" {
		key = uuid.NewString()
	}

	var payload any
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var req server.PaymentRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		payload = req
	} else {
		hexKey, _ := cmd.Flags().GetString("key")
		amount, _ := cmd.Flags().GetString("amount")
		if hexKey == "" || amount == "" {
			return fmt.Errorf("either --file or both --key and --amount are required")
		}
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return fmt.Errorf("parse key: %w", err)
		}
		payer := crypto.PubkeyToAddress(pk.PublicKey)

		body, err := prepareBody(payer.Hex(), amount, 10*time.Minute)
		if err != nil {
			return err
		}
		raw, _, err := client.do(ctx, http.MethodPost, "/api/v1/transfers/prepare", body, nil)
		if err != nil {
			return fmt.Errorf("prepare transfer: %w", err)
		}
		var prepared preparedTransfer
		if err := json.Unmarshal(raw, &prepared); err != nil {
			return fmt.Errorf("decode prepared transfer: %w", err)
		}
		if err := prepared.sign(pk); err != nil {
			return err
		}

		beneficiary, err := beneficiaryFrom(cmd)
		if err != nil {
			return err
		}
		payload = server.PaymentRequest{
			Payer:         payer,
			Amount:        decimal.RequireFromString(amount),
			Beneficiary:   beneficiary,
			Authorization: prepared.Authorization,
		}
	}

	out, _, err := client.do(ctx, http.MethodPost, "/api/v1/payments", payload, map[string]string{"X-Idempotency-Key": key})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "idempotency key: %s\n", key)
	return printJSON(cmd.OutOrStdout(), out)
}

func beneficiaryFrom(cmd *cobra.Command) (settlement.Beneficiary, error) {
	id, _ := cmd.Flags().GetString("beneficiary-id")
	handle, _ := cmd.Flags().GetString("beneficiary-handle")
	name, _ := cmd.Flags().GetString("beneficiary-name")
	b := settlement.Beneficiary{ID: id, Handle: handle, Name: name}
	if id == "" && handle == "" {
		return b, fmt.Errorf("--beneficiary-id or --beneficiary-handle is required")
	}
	if fiat, _ := cmd.Flags().GetString("fiat-amount"); fiat != "" {
		d, err := decimal.NewFromString(fiat)
		if err != nil {
			return b, fmt.Errorf("fiat-amount: %w", err)
		}
		b.FiatAmount = d
	}
	return b, nil
}

func getStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-status [settlement-id]",
		Short: "Show a settlement record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _, err := clientFrom(cmd).do(cmd.Context(), http.MethodGet, "/api/v1/settlements/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func refundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund [settlement-id]",
		Short: "Refund a settlement whose payout failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _, err := clientFrom(cmd).do(cmd.Context(), http.MethodPost, "/api/v1/settlements/"+url.PathEscape(args[0])+"/refund", nil, nil)
			if out != nil {
				_ = printJSON(cmd.OutOrStdout(), out)
			}
			return err
		},
	}
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and drain the reconciliation queue",
	}
	cmd.PersistentFlags().String("dir", envOr("SETTLE_SERVICE_RECONCILEDIR", filepath.Join(os.TempDir(), "settlerails-reconcile")), "Reconciliation queue directory")

	list := &cobra.Command{
		Use:   "list",
		Short: "Print queued settlements awaiting an operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := queueFrom(cmd).List()
			if err != nil {
				return err
			}
			raw, err := json.Marshal(entries)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve [settlement-id]",
		Short: "Remove a settlement's entries once it has been reconciled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := queueFrom(cmd).Resolve(args[0])
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("no queued entries for settlement %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d entries for %s\n", n, args[0])
			return nil
		},
	}

	cmd.AddCommand(list, resolve)
	return cmd
}

func queueFrom(cmd *cobra.Command) *reconcile.FileQueue {
	dir, _ := cmd.Flags().GetString("dir")
	return reconcile.NewFileQueue(dir, slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)))
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
