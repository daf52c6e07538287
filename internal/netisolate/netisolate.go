//go:build linux

// Package netisolate scopes a VM's host-side tap/bridge interface so
// that only explicitly allow-listed egress hosts are reachable during
// Dwelling; everything else is dropped. It is additive to Cleanup, not
// a replacement for it — isolation failures never reorder the Pipeline
// State Machine.
package netisolate

import (
	"context"
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/nullsector/detonator/internal/errx"
)

var (
	ErrNFTablesUnavailable = fmt.Errorf("netisolate: could not open nftables connection")
	ErrRuleApply           = fmt.Errorf("netisolate: failed to apply isolation ruleset")
)

const tableNamePrefix = "detonator_"

// nftConn is the seam Controller drives nftables through; *nftables.Conn
// satisfies it directly. Tests substitute a fake to avoid requiring
// CAP_NET_ADMIN.
type nftConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	ListTables() ([]*nftables.Table, error)
	DelTable(t *nftables.Table)
	Flush() error
}

// Controller owns the per-VM egress ruleset. One Controller is shared
// across all VMs; the table it creates is named per vmName so
// concurrent pipelines on different VMs never collide.
type Controller struct {
	tapInterfaceOf func(vm string) string
	newConn        func() (nftConn, error)
}

func NewController(tapInterfaceOf func(vm string) string) *Controller {
	return &Controller{
		tapInterfaceOf: tapInterfaceOf,
		newConn: func() (nftConn, error) {
			return nftables.New()
		},
	}
}

// ApplyIsolation installs a ruleset on vm's tap interface accepting
// only traffic toward allowlist hosts (resolved once at apply time)
// and dropping everything else. An empty allowlist blocks all egress.
func (c *Controller) ApplyIsolation(ctx context.Context, vm string, allowlist []string) error {
	conn, err := c.newConn()
	if err != nil {
		return errx.Wrap(ErrNFTablesUnavailable, err)
	}

	iface := c.tapInterfaceOf(vm)
	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableNamePrefix + vm,
	})
	fwdChain := conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})

	for _, ip := range resolveAllowlist(allowlist) {
		conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: fwdChain,
			Exprs: acceptDestRule(iface, ip),
		})
	}
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: fwdChain,
		Exprs: dropFromIfaceRule(iface),
	})

	if err := conn.Flush(); err != nil {
		return errx.With(ErrRuleApply, " vm=%s: %w", vm, err)
	}
	return nil
}

// ClearIsolation removes vm's ruleset. Idempotent: clearing a VM with
// no ruleset installed is a no-op, matching CleanupResources's own
// idempotence contract.
func (c *Controller) ClearIsolation(ctx context.Context, vm string) error {
	conn, err := c.newConn()
	if err != nil {
		return errx.Wrap(ErrNFTablesUnavailable, err)
	}

	tables, err := conn.ListTables()
	if err != nil {
		return errx.With(ErrRuleApply, " vm=%s list tables: %w", vm, err)
	}

	name := tableNamePrefix + vm
	for _, t := range tables {
		if t.Name == name && t.Family == nftables.TableFamilyIPv4 {
			conn.DelTable(t)
			break
		}
	}
	if err := conn.Flush(); err != nil {
		return errx.With(ErrRuleApply, " vm=%s clear: %w", vm, err)
	}
	return nil
}

func resolveAllowlist(allowlist []string) []net.IP {
	var ips []net.IP
	for _, host := range allowlist {
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip.To4())
			continue
		}
		resolved, err := net.LookupIP(host)
		if err != nil {
			continue
		}
		for _, ip := range resolved {
			if v4 := ip.To4(); v4 != nil {
				ips = append(ips, v4)
			}
		}
	}
	return ips
}

func acceptDestRule(iface string, dst net.IP) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(iface)},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: dst},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func dropFromIfaceRule(iface string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(iface)},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

func ifname(n string) []byte {
	b := make([]byte, 16)
	copy(b, n)
	return b
}
