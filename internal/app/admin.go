package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"saleguard/internal/quorum"
)

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%q is not a valid address", raw)
	}
	return common.HexToAddress(raw), nil
}

// usdToCents converts a USD amount like "25.50" to integer cents.
func usdToCents(raw string) (uint64, error) {
	usd, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse usd amount: %w", err)
	}
	cents := usd.Mul(decimal.NewFromInt(100)).Round(0)
	if cents.Sign() <= 0 {
		return 0, errors.New("usd amount must be greater than zero")
	}
	if !cents.IsInteger() {
		return 0, errors.New("usd amount has sub-cent precision")
	}
	return uint64(cents.IntPart()), nil
}

// Status prints the runtime view: in-memory control state plus the
// persisted ledger counters when a database is configured.
func (a *App) Status(ctx context.Context) error {
	c, closeCore, err := a.buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer closeCore()

	st := c.svc.CurrentStatus()

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Owner\t%s\n", c.owner.Hex())
	fmt.Fprintf(writer, "Paused\t%t\n", st.Paused)
	fmt.Fprintf(writer, "Price (cents)\t%d\n", st.PriceCents)
	fmt.Fprintf(writer, "Price valid\t%t\n", st.PriceValid)
	if st.UpdateCount > 0 {
		fmt.Fprintf(writer, "Price age\t%s\n", st.PriceAge.Round(time.Second))
	}
	fmt.Fprintf(writer, "Price updates\t%d\n", st.UpdateCount)
	fmt.Fprintf(writer, "Blacklisted\t%d\n", st.Blacklisted)
	fmt.Fprintf(writer, "Pending requests\t%d\n", len(st.Pending))

	for _, req := range st.Pending {
		fmt.Fprintf(writer, "  %s\t%s %s -> %s (%d approvals)\n",
			req.ID.Hex(), req.Kind, req.Amount.String(), req.Recipient.Hex(), len(req.Approvals))
	}

	if c.store != nil {
		if count, countErr := c.store.CountActivities(ctx); countErr == nil {
			fmt.Fprintf(writer, "Stored activities\t%d\n", count)
		}
	}

	return writer.Flush()
}

// Pause suspends the investment flow as the configured owner.
func (a *App) Pause(ctx context.Context) error {
	c, closeCore, err := a.buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer closeCore()
	return c.svc.Pause(ctx, c.owner)
}

// Unpause resumes the investment flow as the configured owner.
func (a *App) Unpause(ctx context.Context) error {
	c, closeCore, err := a.buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer closeCore()
	return c.svc.Unpause(ctx, c.owner)
}

// Blacklist toggles the deny-list entry for an address.
func (a *App) Blacklist(ctx context.Context, rawAddr string, status bool) error {
	c, closeCore, err := a.buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer closeCore()

	target, err := parseAddress(rawAddr)
	if err != nil {
		return err
	}
	return c.svc.SetBlacklist(ctx, c.owner, target, status)
}

// Price applies a manual price update, given in USD.
func (a *App) Price(ctx context.Context, rawUSD string) error {
	c, closeCore, err := a.buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer closeCore()

	cents, err := usdToCents(rawUSD)
	if err != nil {
		return err
	}

	upd, err := c.svc.UpdatePrice(ctx, c.owner, cents)
	if err != nil {
		return err
	}
	fmt.Printf("price updated: %d -> %d cents (update #%d)\n", upd.OldCents, upd.NewCents, upd.Count)
	return nil
}

// Withdraw performs an emergency withdrawal as the owner. This is the
// break-glass path; routine payouts go through request-withdrawal.
func (a *App) Withdraw(ctx context.Context, rawTo string, amount decimal.Decimal) error {
	c, closeCore, err := a.buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer closeCore()

	to, err := parseAddress(rawTo)
	if err != nil {
		return err
	}

	tx, err := c.svc.EmergencyWithdraw(ctx, c.owner, to, amount)
	if err != nil {
		return err
	}
	fmt.Printf("emergency withdrawal submitted: %s\n", tx.Hex())
	return nil
}

// RequestWithdrawal opens a multi-signature withdrawal request.
func (a *App) RequestWithdrawal(ctx context.Context, rawTo string, amount decimal.Decimal, reason string) error {
	c, closeCore, err := a.buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer closeCore()

	to, err := parseAddress(rawTo)
	if err != nil {
		return err
	}

	id, err := c.svc.RequestWithdrawal(ctx, c.owner, to, amount, reason)
	if err != nil {
		return err
	}
	fmt.Printf("request created: %s\n", id.Hex())
	return nil
}

// Approve records one signer vote on a pending request.
func (a *App) Approve(ctx context.Context, rawID, rawSigner string) error {
	c, closeCore, err := a.buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer closeCore()

	signer := c.owner
	if rawSigner != "" {
		parsed, parseErr := parseAddress(rawSigner)
		if parseErr != nil {
			return parseErr
		}
		signer = parsed
	}

	id := common.HexToHash(rawID)
	res, err := c.svc.Approve(ctx, id, signer)
	switch {
	case errors.Is(err, quorum.ErrTimelockActive):
		fmt.Printf("quorum reached; timelock active for %s\n", res.TimelockRemaining.Round(time.Second))
		return nil
	case err != nil:
		return err
	case res.Executed:
		fmt.Printf("request executed: %s\n", res.TxHash.Hex())
		return nil
	default:
		fmt.Printf("vote recorded (%d approvals)\n", res.Approvals)
		return nil
	}
}
