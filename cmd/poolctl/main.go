// Command poolctl talks to a running lender pool server.
//
//	poolctl [flags] pool
//	poolctl [flags] quote <amount>
//	poolctl [flags] account <address>
//	poolctl [flags] position <index>
//	poolctl [flags] events [account]
//	poolctl [flags] deposit <amount>
//	poolctl [flags] loan <borrower> <amount>
//	poolctl [flags] transfer <to> <amount>
//	poolctl [flags] fee-rate <numerator> <denominator>
//	poolctl [flags] deposit-cap <amount>
//	poolctl [flags] register <webhook-url>
//	poolctl [flags] token <address>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"

	"github.com/atmx/lender-pool/internal/api"
	"github.com/atmx/lender-pool/internal/auth"
	"github.com/atmx/lender-pool/internal/client"
	"github.com/atmx/lender-pool/internal/events"
)

func main() {
	server := flag.String("server", envOr("POOL_SERVER", "http://localhost:8080"), "pool server base URL")
	token := flag.String("token", os.Getenv("POOL_TOKEN"), "bearer token")
	caller := flag.String("caller", os.Getenv("POOL_CALLER"), "caller address (servers that allow the caller header)")
	kind := flag.String("kind", "", "events: filter by kind")
	limit := flag.Int("limit", 20, "events: maximum rows")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: poolctl [flags] <command> [args]")
		flag.PrintDefaults()
	}
	flag.Parse()

	c := client.New(*server)
	c.Token = *token
	if *caller != "" {
		addr, err := parseAddress(*caller)
		if err != nil {
			fail(err)
		}
		c.Caller = addr
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(ctx, os.Stdout, c, args[0], args[1:], *kind, *limit); err != nil {
		fail(err)
	}
}

func run(ctx context.Context, out io.Writer, c *client.Client, cmd string, args []string, kind string, limit int) error {
	switch cmd {
	case "pool":
		p, err := c.Pool(ctx)
		if err != nil {
			return err
		}
		printPool(out, p)

	case "quote":
		if err := need(args, 1, "quote <amount>"); err != nil {
			return err
		}
		q, err := c.Quote(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "fee on %s ether: %s ether (%s wei)\n", q.Amount.Ether, q.Fee.Ether, q.Fee.Wei)

	case "account":
		if err := need(args, 1, "account <address>"); err != nil {
			return err
		}
		addr, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		a, err := c.Account(ctx, addr)
		if err != nil {
			return err
		}
		printAccount(out, a)

	case "position":
		if err := need(args, 1, "position <index>"); err != nil {
			return err
		}
		idx, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
		p, err := c.Position(ctx, idx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "unit %d is owned by %s\n", p.Index, p.Owner)

	case "events":
		var account *common.Address
		if len(args) > 0 {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			account = &addr
		}
		evs, err := c.Events(ctx, account, kind, limit)
		if err != nil {
			return err
		}
		printEvents(out, evs)

	case "deposit":
		if err := need(args, 1, "deposit <amount>"); err != nil {
			return err
		}
		r, err := c.Deposit(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deposited %s ether: units %d..%d\n", r.Event.AmountEther, r.FirstUnit, r.FirstUnit+r.Units-1)
		printAccount(out, &r.Account)

	case "loan":
		if err := need(args, 2, "loan <borrower> <amount>"); err != nil {
			return err
		}
		addr, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		l, err := c.FlashLoan(ctx, addr, args[1])
		var apiErr *client.Error
		if errors.As(err, &apiErr) && apiErr.Loan != nil {
			printLoan(out, apiErr.Loan)
			return err
		}
		if err != nil {
			return err
		}
		printLoan(out, l)

	case "transfer":
		if err := need(args, 2, "transfer <to> <amount>"); err != nil {
			return err
		}
		to, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		ev, err := c.Transfer(ctx, to, args[1])
		if err != nil {
			return err
		}
		printEvents(out, []events.Message{*ev})

	case "fee-rate":
		if err := need(args, 2, "fee-rate <numerator> <denominator>"); err != nil {
			return err
		}
		num, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("numerator: %w", err)
		}
		den, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("denominator: %w", err)
		}
		ev, err := c.SetFeeRate(ctx, num, den)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "fee rate set to %s\n", ev.Detail)

	case "deposit-cap":
		if err := need(args, 1, "deposit-cap <amount>"); err != nil {
			return err
		}
		ev, err := c.SetDepositCap(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deposit cap set to %s ether\n", ev.AmountEther)

	case "register":
		if err := need(args, 1, "register <webhook-url>"); err != nil {
			return err
		}
		if err := c.RegisterBorrower(ctx, args[0], 0); err != nil {
			return err
		}
		fmt.Fprintln(out, "borrower registered")

	case "token":
		if err := need(args, 1, "token <address>"); err != nil {
			return err
		}
		addr, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		authn := auth.NewAuthenticator(auth.Config{
			HMACSecret: os.Getenv("AUTH_HMAC_SECRET"),
			Issuer:     envOr("AUTH_ISSUER", "lender-pool"),
		})
		tok, err := authn.Issue(addr, 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tok)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func printPool(out io.Writer, p *api.PoolResponse) {
	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("address", p.Address)
	table.Append("owner", p.Owner)
	table.Append("position size", p.PositionSize.Ether+" ether")
	table.Append("deposit cap", p.DepositCap.Ether+" ether")
	table.Append("fee rate", p.FeeRate)
	table.Append("total units", strconv.FormatUint(p.TotalUnits, 10))
	table.Append("balance", p.Balance.Ether+" ether")
	table.Append("state", p.State)
	table.Render()
}

func printAccount(out io.Writer, a *api.AccountResponse) {
	table := tablewriter.NewWriter(out)
	table.Header("Address", "Units", "Fee credit", "Balance", "Wallet")
	table.Append(a.Address, strconv.FormatUint(a.Units, 10), a.FeeCredit.Ether, a.Balance.Ether, a.Wallet.Ether)
	table.Render()
}

func printLoan(out io.Writer, l *api.LoanResponse) {
	winner := l.Winner
	if l.FeeRetained {
		winner = "(retained by pool)"
	}
	unit := "-"
	if l.UnitIndex != nil {
		unit = strconv.FormatUint(*l.UnitIndex, 10)
	}
	table := tablewriter.NewWriter(out)
	table.Header("Loan", "Borrower", "Amount", "Fee", "Repaid", "Unit", "Winner")
	table.Append(l.LoanID, l.Borrower, l.Amount.Ether, l.Fee.Ether, l.Repaid.Ether, unit, winner)
	table.Render()
}

func printEvents(out io.Writer, evs []events.Message) {
	table := tablewriter.NewWriter(out)
	table.Header("Time", "Kind", "Account", "Counterparty", "Amount", "Unit", "Detail")
	for _, e := range evs {
		unit := ""
		if e.UnitIndex != nil {
			unit = strconv.FormatUint(*e.UnitIndex, 10)
		}
		table.Append(
			e.Timestamp.Format(time.RFC3339),
			e.Type,
			e.Account,
			e.Counterparty,
			e.AmountEther,
			unit,
			e.Detail,
		)
	}
	table.Render()
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: poolctl %s", usage)
	}
	return nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address", s)
	}
	return common.HexToAddress(s), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "poolctl:", err)
	os.Exit(1)
}
