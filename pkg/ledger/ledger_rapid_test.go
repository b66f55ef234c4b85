package ledger

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/pkg/engine/memengine"
	"github.com/i5heu/ouroboros-ledger/pkg/grants"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

const (
	machineUsers   = 6
	machineCap     = 4
	machinePeriods = 5
)

type recordKeyT struct {
	owner  int
	period types.Period
}

type grantKeyT struct {
	handle types.Handle
	owner  int
}

// LedgerStateMachine compares the ledger against a plain
// map model.
type LedgerStateMachine struct {
	// Model state
	records map[recordKeyT]types.Handle
	users   map[int]bool
	granted map[grantKeyT]bool

	// SUT state
	kv     *keyValStore.KeyValStore
	engine *memengine.Engine
	grants *grants.Registry
	ledger *Ledger
	owners []types.Principal
}

func (m *LedgerStateMachine) Init(t *rapid.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		InMemory: true,
		Logger:   log,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m.kv = kv

	m.engine, err = memengine.New(memengine.Config{Store: kv, Logger: log})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	m.grants, err = grants.New(grants.Config{Store: kv, ACL: m.engine, Logger: log})
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	var address types.Principal
	address[0] = 0xee
	m.ledger, err = New(context.Background(), Config{
		Store:    kv,
		Verifier: m.engine,
		Grants:   m.grants,
		Address:  address,
		MaxUsers: machineCap,
		Logger:   log,
	})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	m.owners = make([]types.Principal, machineUsers)
	for i := range m.owners {
		m.owners[i][0] = byte(i + 1)
	}
	m.records = make(map[recordKeyT]types.Handle)
	m.users = make(map[int]bool)
	m.granted = make(map[grantKeyT]bool)
}

func (m *LedgerStateMachine) Cleanup() {
	if m.kv != nil {
		_ = m.kv.Close()
	}
}

func (m *LedgerStateMachine) encrypt(t *rapid.T, owner int) types.EncryptedInput {
	in, err := m.engine.Encrypt(
		context.Background(),
		m.ledger.Address(),
		m.owners[owner],
		rapid.Uint64Range(0, 200).Draw(t, "value"),
	)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return in
}

// Action: Submit
func (m *LedgerStateMachine) Submit(t *rapid.T) {
	owner := rapid.IntRange(0, machineUsers-1).Draw(t, "owner")
	p := types.Period(rapid.IntRange(1, machinePeriods).Draw(t, "period"))
	in := m.encrypt(t, owner)

	_, err := m.ledger.Submit(context.Background(), m.owners[owner], p, in)

	newUser := !m.users[owner]
	if newUser && len(m.users) >= machineCap {
		if !errors.Is(err, ErrCapacityExceeded) {
			t.Fatalf("expected ErrCapacityExceeded, got %v", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	m.users[owner] = true
	m.records[recordKeyT{owner, p}] = in.Handle
	m.granted[grantKeyT{in.Handle, owner}] = true
}

// Action: SubmitBatch
func (m *LedgerStateMachine) SubmitBatch(t *rapid.T) {
	owner := rapid.IntRange(0, machineUsers-1).Draw(t, "owner")
	n := rapid.IntRange(1, 4).Draw(t, "n")
	mismatch := rapid.Bool().Draw(t, "mismatch")

	periods := make([]types.Period, n)
	inputs := make([]types.EncryptedInput, n)
	for i := range periods {
		periods[i] = types.Period(rapid.IntRange(1, machinePeriods).Draw(t, "period"))
		inputs[i] = m.encrypt(t, owner)
	}
	if mismatch {
		inputs = inputs[:n-1]
	}

	_, err := m.ledger.SubmitBatch(context.Background(), m.owners[owner], periods, inputs)

	if mismatch {
		if !errors.Is(err, ErrInvalidBatch) {
			t.Fatalf("expected ErrInvalidBatch, got %v", err)
		}
		return
	}
	if !m.users[owner] && len(m.users) >= machineCap {
		if !errors.Is(err, ErrCapacityExceeded) {
			t.Fatalf("expected ErrCapacityExceeded, got %v", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("SubmitBatch failed: %v", err)
	}
	m.users[owner] = true
	for i, p := range periods {
		m.records[recordKeyT{owner, p}] = inputs[i].Handle
		m.granted[grantKeyT{inputs[i].Handle, owner}] = true
	}
}

// Check consistency
func (m *LedgerStateMachine) Check(t *rapid.T) {
	ctx := context.Background()

	for owner := range m.owners {
		for p := types.Period(1); p <= machinePeriods; p++ {
			want, ok := m.records[recordKeyT{owner, p}]
			got, err := m.ledger.Get(ctx, m.owners[owner], p)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			exists, err := m.ledger.Exists(ctx, m.owners[owner], p)
			if err != nil {
				t.Fatalf("Exists: %v", err)
			}
			if exists != ok {
				t.Fatalf("exists(%d,%d) = %v, want %v", owner, p, exists, ok)
			}
			if got != want {
				t.Fatalf("get(%d,%d) = %s, want %s", owner, p, got, want)
			}
		}
	}

	stats, err := m.ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalUsers != uint64(len(m.users)) {
		t.Fatalf("TotalUsers = %d, want %d", stats.TotalUsers, len(m.users))
	}
	if stats.TotalUsers > stats.MaxUsers {
		t.Fatalf("TotalUsers %d above cap %d", stats.TotalUsers, stats.MaxUsers)
	}

	for g := range m.granted {
		ok, err := m.grants.HasGrant(ctx, g.handle, m.owners[g.owner])
		if err != nil {
			t.Fatalf("HasGrant: %v", err)
		}
		if !ok {
			t.Fatalf("grant on %s for owner %d disappeared", g.handle.Tag(), g.owner)
		}
	}
}

func TestLedgerProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &LedgerStateMachine{}
		m.Init(t)
		defer m.Cleanup()

		t.Repeat(map[string]func(*rapid.T){
			"Submit": func(t *rapid.T) {
				m.Submit(t)
			},
			"SubmitBatch": func(t *rapid.T) {
				m.SubmitBatch(t)
			},
			"": func(t *rapid.T) {
				m.Check(t)
			},
		})
	})
}
