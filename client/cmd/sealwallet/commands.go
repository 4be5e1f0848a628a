// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"decred.org/sealwallet/client/app"
	"decred.org/sealwallet/client/core"
	"decred.org/sealwallet/client/db"
	"decred.org/sealwallet/seal"
)

type command struct {
	usage   string
	summary string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, w *core.Wallet, cfg *app.Config, args []string) (any, error)
}

var commands = map[string]*command{
	"newaddress": {
		summary: "Reveal a new receive address",
		run: func(_ context.Context, w *core.Wallet, _ *app.Config, _ []string) (any, error) {
			addr, err := w.NewAddress()
			if err != nil {
				return nil, err
			}
			return map[string]string{"address": addr}, nil
		},
	},
	"utxos": {
		summary: "List wallet outputs and the allocations they carry",
		run: func(ctx context.Context, w *core.Wallet, _ *app.Config, _ []string) (any, error) {
			utxos, err := w.Utxos(ctx)
			if err != nil {
				return nil, err
			}
			views := make([]*utxoView, 0, len(utxos))
			for _, u := range utxos {
				views = append(views, &utxoView{
					Outpoint:      u.Outpoint.String(),
					Value:         u.Value,
					Confirmations: u.Confirmations,
					Status:        string(u.Status),
					Allocations:   u.Allocations,
				})
			}
			return views, nil
		},
	},
	"btcbalance": {
		summary: "Show the wallet's bitcoin totals in sats",
		run: func(ctx context.Context, w *core.Wallet, _ *app.Config, _ []string) (any, error) {
			bal, err := w.BtcBalance(ctx)
			if err != nil {
				return nil, err
			}
			return &btcBalanceView{
				Confirmed:   bal.Confirmed,
				Unconfirmed: bal.Unconfirmed,
				Available:   bal.Available,
				Occupied:    bal.Occupied,
			}, nil
		},
	},
	"create-utxo": {
		usage:   "[sats]",
		summary: "Send to the wallet itself, creating an output for a genesis seal",
		maxArgs: 1,
		run: func(ctx context.Context, w *core.Wallet, _ *app.Config, args []string) (any, error) {
			var value int64
			if len(args) > 0 {
				var err error
				if value, err = strconv.ParseInt(args[0], 10, 64); err != nil || value <= 0 {
					return nil, fmt.Errorf("invalid value %q", args[0])
				}
			}
			res, err := w.CreateUtxo(ctx, value)
			if err != nil {
				return nil, err
			}
			return newSendView(res), nil
		},
	},
	"send": {
		usage:   "address sats",
		summary: "Send bitcoin from outputs that carry nothing",
		minArgs: 2,
		maxArgs: 2,
		run: func(ctx context.Context, w *core.Wallet, _ *app.Config, args []string) (any, error) {
			amt, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amt <= 0 {
				return nil, fmt.Errorf("invalid amount %q", args[1])
			}
			res, err := w.SendBitcoin(ctx, args[0], amt)
			if err != nil {
				return nil, err
			}
			return newSendView(res), nil
		},
	},
	"issue": {
		usage:   "ticker name supply [precision [genesis txid:vout]]",
		summary: "Issue a new contract on an unoccupied output",
		minArgs: 3,
		maxArgs: 5,
		run: func(ctx context.Context, w *core.Wallet, _ *app.Config, args []string) (any, error) {
			supply, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid supply: %w", err)
			}
			var precision uint64
			if len(args) > 3 {
				if precision, err = strconv.ParseUint(args[3], 10, 8); err != nil {
					return nil, fmt.Errorf("invalid precision: %w", err)
				}
			}
			var genesis seal.SealID
			if len(args) > 4 {
				genesis = seal.SealID(args[4])
			}
			return w.Issue(ctx, args[0], args[1], supply, uint8(precision), genesis)
		},
	},
	"export-genesis": {
		usage:   "contractID",
		summary: "Write a contract's genesis consignment for other wallets to import",
		minArgs: 1,
		maxArgs: 1,
		run: func(_ context.Context, w *core.Wallet, _ *app.Config, args []string) (any, error) {
			_, path, err := w.ExportGenesis(seal.ContractID(args[0]))
			if err != nil {
				return nil, err
			}
			return map[string]string{"path": path}, nil
		},
	},
	"invoice": {
		usage:   "contractID amount [expiry, e.g. 24h]",
		summary: "Create an invoice",
		minArgs: 2,
		maxArgs: 3,
		run: func(ctx context.Context, w *core.Wallet, _ *app.Config, args []string) (any, error) {
			amt, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid amount: %w", err)
			}
			var expiry time.Time
			if len(args) > 2 {
				d, err := time.ParseDuration(args[2])
				if err != nil {
					return nil, fmt.Errorf("invalid expiry: %w", err)
				}
				expiry = time.Now().Add(d)
			}
			res, err := w.CreateInvoice(ctx, seal.ContractID(args[0]), amt, expiry)
			if err != nil {
				return nil, err
			}
			return &invoiceView{
				Invoice:   res.Encoded,
				WitnessID: res.Invoice.WitnessID(),
				Amount:    res.Invoice.Amount,
				Expiry:    res.Invoice.Expiry,
			}, nil
		},
	},
	"transfer": {
		usage:   "invoice",
		summary: "Pay an invoice, writing the consignment for the receiver",
		minArgs: 1,
		maxArgs: 1,
		run: func(ctx context.Context, w *core.Wallet, _ *app.Config, args []string) (any, error) {
			res, err := w.Transfer(ctx, args[0])
			if err != nil {
				return nil, err
			}
			return &transferView{StepID: res.StepID, TxID: res.TxID, Consignment: res.ConsignmentPath}, nil
		},
	},
	"accept": {
		usage:   "consignment-file",
		summary: "Validate and accept a consignment",
		minArgs: 1,
		maxArgs: 1,
		run: func(ctx context.Context, w *core.Wallet, _ *app.Config, args []string) (any, error) {
			res, err := w.AcceptFile(ctx, seal.CleanAndExpandPath(args[0]))
			if err != nil {
				return nil, err
			}
			v := &acceptView{
				ContractID: res.ContractID,
				Terminal:   res.Terminal,
				Genesis:    res.Genesis,
				Known:      res.Known,
			}
			if res.Claim != nil {
				v.Claim = newClaimView(res.Claim)
			}
			return v, nil
		},
	},
	"sync": {
		summary: "Refresh outputs and advance claims until settled or out of passes",
		run: func(ctx context.Context, w *core.Wallet, cfg *app.Config, _ []string) (any, error) {
			return w.SyncUntilSettled(ctx, cfg.MaxSyncPasses)
		},
	},
	"balance": {
		usage:   "contractID",
		summary: "Show settled and pending amounts of a contract",
		minArgs: 1,
		maxArgs: 1,
		run: func(ctx context.Context, w *core.Wallet, _ *app.Config, args []string) (any, error) {
			return w.Balance(ctx, seal.ContractID(args[0]))
		},
	},
	"claims": {
		summary: "List claims with their status and history",
		run: func(_ context.Context, w *core.Wallet, _ *app.Config, _ []string) (any, error) {
			claims, err := w.Claims()
			if err != nil {
				return nil, err
			}
			views := make([]*claimView, 0, len(claims))
			for _, c := range claims {
				views = append(views, newClaimView(c))
			}
			return views, nil
		},
	},
	"contracts": {
		summary: "List known contracts",
		run: func(_ context.Context, w *core.Wallet, _ *app.Config, _ []string) (any, error) {
			return w.Contracts()
		},
	},
	"invoices": {
		summary: "List invoices",
		run: func(_ context.Context, w *core.Wallet, _ *app.Config, _ []string) (any, error) {
			recs, err := w.Invoices()
			if err != nil {
				return nil, err
			}
			views := make([]*invoiceView, 0, len(recs))
			for _, r := range recs {
				views = append(views, &invoiceView{
					Invoice:   r.Invoice.String(),
					WitnessID: r.WitnessID(),
					Amount:    r.Invoice.Amount,
					Expiry:    r.Invoice.Expiry,
				})
			}
			return views, nil
		},
	},
	"backup": {
		summary: "Copy the wallet database to the backup directory",
		run: func(_ context.Context, w *core.Wallet, _ *app.Config, _ []string) (any, error) {
			return nil, w.Backup()
		},
	},
}

func printUsage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\nCommands:\n", appName)
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(os.Stderr, "  %-15s %s\n", name, c.summary)
		if c.usage != "" {
			fmt.Fprintf(os.Stderr, "  %-15s   args: %s\n", "", c.usage)
		}
	}
}

func printResult(res any) error {
	if res == nil {
		return nil
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

type utxoView struct {
	Outpoint      string             `json:"outpoint"`
	Value         int64              `json:"value"`
	Confirmations uint32             `json:"confirmations"`
	Status        string             `json:"status"`
	Allocations   []*seal.Allocation `json:"allocations,omitempty"`
}

type btcBalanceView struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
	Available   int64 `json:"available"`
	Occupied    int64 `json:"occupied"`
}

type sendView struct {
	TxID   string      `json:"txid"`
	Output seal.SealID `json:"output"`
	Value  int64       `json:"value"`
	Fee    int64       `json:"fee"`
}

func newSendView(res *core.SendResult) *sendView {
	return &sendView{TxID: res.TxID, Output: res.Seal, Value: res.Value, Fee: res.Fee}
}

type invoiceView struct {
	Invoice   string      `json:"invoice"`
	WitnessID seal.SealID `json:"witnessID"`
	Amount    uint64      `json:"amount"`
	Expiry    time.Time   `json:"expiry,omitempty"`
}

type transferView struct {
	StepID      string `json:"stepID"`
	TxID        string `json:"txid"`
	Consignment string `json:"consignment"`
}

type acceptView struct {
	ContractID seal.ContractID `json:"contractID"`
	Terminal   string          `json:"terminal"`
	Genesis    bool            `json:"genesis"`
	Known      bool            `json:"known"`
	Claim      *claimView      `json:"claim,omitempty"`
}

type claimView struct {
	ID         string          `json:"id"`
	WitnessID  seal.SealID     `json:"witnessID"`
	ContractID seal.ContractID `json:"contractID"`
	Amount     uint64          `json:"amount"`
	Status     string          `json:"status"`
	FailReason string          `json:"failReason,omitempty"`
	Attempts   uint32          `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	RealSeal   seal.SealID     `json:"realSeal,omitempty"`
	Expected   seal.SealID     `json:"expected,omitempty"`
	History    []string        `json:"history,omitempty"`
}

func newClaimView(c *db.ClaimRecord) *claimView {
	v := &claimView{
		ID:         c.ID(),
		WitnessID:  c.WitnessID,
		ContractID: c.ContractID,
		Amount:     c.Amount,
		Status:     c.Status.String(),
		Attempts:   c.Attempts,
		LastError:  c.LastError,
		RealSeal:   c.RealSeal,
		Expected:   c.Expected,
		History:    c.History,
	}
	if c.Status == db.ClaimFailed {
		v.FailReason = c.FailReason.String()
	}
	return v
}
