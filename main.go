// Command privbank runs the banking scenarios end to end against an
// in-process ledger and prints the reconciled account views.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"privbank/internal/circuit"
	"privbank/internal/client"
	"privbank/internal/contract"
	"privbank/internal/disclosure"
	"privbank/internal/errs"
	"privbank/internal/ledger"
	"privbank/internal/logging"
	"privbank/internal/privstore"
	"privbank/internal/reconcile"
)

type bank struct {
	node   *ledger.Node
	store  *privstore.Store
	client *client.Client
}

func newBank(ctx context.Context, logger *slog.Logger, prover *circuit.Prover) (*bank, error) {
	var err error
	b := &bank{
		node:  ledger.NewNode(ledger.WithLogger(logger)),
		store: privstore.New(privstore.NewMemDB(), privstore.WithLogger(logger)),
	}
	providers := client.Providers{
		Reader:  b.node,
		Prover:  prover,
		Private: b.store,
		Connect: func(address string) circuit.Invoker {
			return contract.New(b.node, address, prover, contract.WithLogger(logger))
		},
	}
	b.client, err = client.Deploy(ctx, providers, b.node, client.WithLogger(logger))
	if err != nil {
		b.node.Close()
		return nil, err
	}
	fmt.Printf("contract deployed at %s\n", b.client.Address())
	return b, nil
}

func (b *bank) Close() {
	b.client.Close()
	_ = b.store.Close()
	b.node.Close()
}

// settle waits for the reconciled view of user to satisfy pred.
func (b *bank) settle(ctx context.Context, user string, pred func(reconcile.AccountView) bool) (reconcile.AccountView, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return b.client.Await(ctx, user, pred)
}

func (b *bank) show(ctx context.Context, user string, balance uint64) error {
	v, err := b.settle(ctx, user, func(v reconcile.AccountView) bool {
		return v.AccountExists && v.PrivateBalance == balance &&
			(v.LastTransaction == nil || v.LastTransaction.Status != reconcile.ActionPending)
	})
	if err != nil {
		return fmt.Errorf("view %s: %w", user, err)
	}
	out, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("  view %s:\n  %s\n", user, out)
	return nil
}

func accountScenario(ctx context.Context, b *bank) error {
	fmt.Println("== account lifecycle")
	c := b.client
	if err := c.CreateAccount(ctx, "alice", "1234", 5000); err != nil {
		return err
	}
	bal, err := c.Deposit(ctx, "alice", "1234", 2500)
	if err != nil {
		return err
	}
	fmt.Printf("  deposit 2500 -> %d\n", bal)
	if bal, err = c.Withdraw(ctx, "alice", "1234", 1000); err != nil {
		return err
	}
	fmt.Printf("  withdraw 1000 -> %d\n", bal)
	if _, err := c.Withdraw(ctx, "alice", "1234", 1_000_000); err != nil {
		fmt.Printf("  overdraft rejected: %v\n", err)
	}
	status, err := c.VerifyAccountStatus(ctx, "alice", "1234")
	if err != nil {
		return err
	}
	fmt.Printf("  status %s\n", status)
	return b.show(ctx, "alice", 6500)
}

func authorizationScenario(ctx context.Context, b *bank) error {
	fmt.Println("== authorized transfer")
	c := b.client
	if err := c.CreateAccount(ctx, "bob", "2222", 1000); err != nil {
		return err
	}
	if err := c.RequestAuthorization(ctx, "alice", "1234", "bob"); err != nil {
		return err
	}
	if err := c.ApproveAuthorization(ctx, "bob", "2222", "alice", 5000); err != nil {
		return err
	}
	bal, err := c.SendToAuthorized(ctx, "alice", "1234", "bob", 3000)
	if err != nil {
		return err
	}
	fmt.Printf("  alice sent 3000, balance %d\n", bal)
	amount, err := c.ClaimAuthorizedTransfer(ctx, "bob", "2222", "alice")
	if err != nil {
		return err
	}
	fmt.Printf("  bob claimed %d\n", amount)
	_, err = c.ClaimAuthorizedTransfer(ctx, "bob", "2222", "alice")
	switch {
	case errors.Is(err, errs.ErrState):
		fmt.Printf("  second claim rejected: %v\n", err)
	case err == nil:
		return errors.New("second claim succeeded")
	default:
		return err
	}
	if err := b.show(ctx, "alice", 3500); err != nil {
		return err
	}
	return b.show(ctx, "bob", 4000)
}

func disclosureScenario(ctx context.Context, b *bank) error {
	fmt.Println("== selective disclosure")
	c := b.client
	if err := c.CreateAccount(ctx, "dana", "4444", 15000); err != nil {
		return err
	}
	if err := c.GrantDisclosure(ctx, "dana", "4444", "bob", ledger.DisclosureThreshold, 10000, disclosure.Never()); err != nil {
		return err
	}
	ok, err := c.VerifyThreshold(ctx, "bob", "2222", "dana", 10000)
	if err != nil {
		return err
	}
	fmt.Printf("  dana holds at least 10000: %t\n", ok)
	_, err = c.VerifyThreshold(ctx, "bob", "2222", "dana", 20000)
	switch {
	case errors.Is(err, errs.ErrAuthorization):
		fmt.Printf("  threshold above ceiling rejected: %v\n", err)
	case err == nil:
		return errors.New("threshold above ceiling accepted")
	default:
		return err
	}
	if err := c.RevokeDisclosure(ctx, "dana", "4444", "bob"); err != nil {
		return err
	}
	_, err = c.VerifyThreshold(ctx, "bob", "2222", "dana", 10000)
	switch {
	case errors.Is(err, errs.ErrAuthorization):
		fmt.Printf("  check after revoke rejected: %v\n", err)
	case err == nil:
		return errors.New("revoked disclosure still answers")
	default:
		return err
	}
	return nil
}

func conservationScenario(ctx context.Context, b *bank) error {
	fmt.Println("== conservation")
	c := b.client
	pins := map[string]string{"erin": "5555", "finn": "6666", "gail": "7777"}
	opening := map[string]uint64{"erin": 500, "finn": 300, "gail": 400}
	for _, u := range []string{"erin", "finn", "gail"} {
		if err := c.CreateAccount(ctx, u, pins[u], opening[u]); err != nil {
			return err
		}
	}
	for _, pair := range [][2]string{{"erin", "finn"}, {"finn", "gail"}} {
		from, to := pair[0], pair[1]
		if err := c.RequestAuthorization(ctx, from, pins[from], to); err != nil {
			return err
		}
		if err := c.ApproveAuthorization(ctx, to, pins[to], from, 1000); err != nil {
			return err
		}
	}
	if _, err := c.SendToAuthorized(ctx, "erin", pins["erin"], "finn", 80); err != nil {
		return err
	}
	if _, err := c.SendToAuthorized(ctx, "finn", pins["finn"], "gail", 60); err != nil {
		return err
	}
	if _, err := c.ClaimAuthorizedTransfer(ctx, "finn", pins["finn"], "erin"); err != nil {
		return err
	}
	if _, err := c.ClaimAuthorizedTransfer(ctx, "gail", pins["gail"], "finn"); err != nil {
		return err
	}

	var total uint64
	for _, u := range []string{"erin", "finn", "gail"} {
		bal, err := c.Balance(ctx, u, pins[u])
		if err != nil {
			return err
		}
		fmt.Printf("  %s %d\n", u, bal)
		total += bal
	}
	fmt.Printf("  total %d (opening 1200)\n", total)
	if total != 1200 {
		return fmt.Errorf("balances drifted to %d", total)
	}
	return nil
}

var scenarios = []struct {
	name string
	run  func(context.Context, *bank) error
}{
	{"account", accountScenario},
	{"authorization", authorizationScenario},
	{"disclosure", disclosureScenario},
	{"conservation", conservationScenario},
}

func main() {
	logger, closer := logging.Setup("privbank", "demo", logging.Options{Level: "warn"})
	defer closer.Close()

	start := time.Now()
	prover, err := circuit.NewProver()
	if err != nil {
		fmt.Fprintf(os.Stderr, "circuit setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("PIN circuit compiled, %d constraints, setup in %v\n",
		prover.Constraints(), time.Since(start).Round(time.Millisecond))

	ctx := context.Background()
	b, err := newBank(ctx, logger, prover)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	for _, sc := range scenarios {
		if err := sc.run(ctx, b); err != nil {
			fmt.Fprintf(os.Stderr, "%s scenario failed: %v\n", sc.name, err)
			os.Exit(1)
		}
	}
	fmt.Println("all scenarios passed")
}
