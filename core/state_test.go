package core

import (
	"encoding/json"
	"errors"
	"testing"
)

// fundAccount credits amount to addr on sm by applying a no-input transfer,
// the test stand-in for a coinbase. Returns the funding transaction.
func fundAccount(t *testing.T, sm *StateManager, addr Address, amount uint64, ts uint64) *Transaction {
	t.Helper()
	tx := NewTransaction(1, TxTransfer, nil,
		[]TransactionOutput{{Recipient: addr, Amount: amount}},
		ts, 0, sm.shardID, nil)
	if err := sm.ApplyTransaction(tx); err != nil {
		t.Fatalf("fund %s: %v", addr, err)
	}
	return tx
}

func TestApplyTransactionUTXOLifecycle(t *testing.T) {
	sm := NewStateManager(0)
	x := Address{0xaa}
	y := Address{0xbb}

	t1 := fundAccount(t, sm, x, 100, 10)

	t2 := NewTransaction(1, TxTransfer,
		[]TransactionInput{{PrevTxHash: t1.Hash, OutputIndex: 0, Amount: 100}},
		[]TransactionOutput{
			{Recipient: y, Amount: 50},
			{Recipient: x, Amount: 50},
		},
		20, 0, 0, nil)
	if err := sm.ApplyTransaction(t2); err != nil {
		t.Fatalf("ApplyTransaction t2: %v", err)
	}

	spent, ok := sm.GetUTXO(t1.Hash, 0)
	if !ok || !spent.Spent {
		t.Fatalf("expected T1:0 to be spent, got %+v", spent)
	}
	if spent.SpentAt == nil || *spent.SpentAt != 20 {
		t.Fatalf("expected SpentAt=20, got %+v", spent.SpentAt)
	}

	u0, ok := sm.GetUTXO(t2.Hash, 0)
	if !ok || u0.Spent || u0.Amount != 50 || u0.Owner != y {
		t.Fatalf("unexpected T2:0 state: %+v", u0)
	}
	u1, ok := sm.GetUTXO(t2.Hash, 1)
	if !ok || u1.Spent || u1.Amount != 50 || u1.Owner != x {
		t.Fatalf("unexpected T2:1 state: %+v", u1)
	}

	// Spending T1:0 debits X's 100; the outputs credit Y 50 and X 50, so
	// each ends holding exactly its unspent output.
	if got := sm.GetAccount(y).Balance; got != 50 {
		t.Fatalf("Y balance = %d, want 50", got)
	}
	if got := sm.GetAccount(x).Balance; got != 50 {
		t.Fatalf("X balance = %d, want 50", got)
	}
	if unspent := sm.GetUnspentUTXOsFor(x); len(unspent) != 1 || unspent[0].Amount != 50 {
		t.Fatalf("unexpected unspent set for X: %+v", unspent)
	}
}

func TestApplyTransactionRejectsDoubleSpend(t *testing.T) {
	sm := NewStateManager(0)
	x := Address{1}
	t1 := fundAccount(t, sm, x, 100, 10)

	spend := func(ts uint64) *Transaction {
		return NewTransaction(1, TxTransfer,
			[]TransactionInput{{PrevTxHash: t1.Hash, OutputIndex: 0, Amount: 100}},
			[]TransactionOutput{{Recipient: Address{2}, Amount: 100}},
			ts, 0, 0, nil)
	}
	if err := sm.ApplyTransaction(spend(20)); err != nil {
		t.Fatalf("first spend: %v", err)
	}
	if err := sm.ApplyTransaction(spend(30)); err == nil {
		t.Fatal("expected DoubleSpend error on second spend")
	}
}

func TestApplyTransactionRejectsUnknownUTXO(t *testing.T) {
	sm := NewStateManager(0)
	tx := NewTransaction(1, TxTransfer,
		[]TransactionInput{{PrevTxHash: leafHash(9), OutputIndex: 0, Amount: 5}},
		[]TransactionOutput{{Recipient: Address{1}, Amount: 5}},
		1, 0, 0, nil)
	if err := sm.ApplyTransaction(tx); err == nil {
		t.Fatal("expected error for unknown input UTXO")
	}
}

func TestApplyTransactionRejectsWrongShard(t *testing.T) {
	sm := NewStateManager(3)
	tx := NewTransaction(1, TxTransfer, nil,
		[]TransactionOutput{{Recipient: Address{1}, Amount: 5}},
		1, 0, 7, nil)
	if err := sm.ApplyTransaction(tx); err == nil {
		t.Fatal("expected shard mismatch error")
	}
}

func TestStakeDepositAndWithdraw(t *testing.T) {
	sm := NewStateManager(0)
	addr := Address{1}

	dep := NewTransaction(1, TxStakeDeposit, nil,
		[]TransactionOutput{{Recipient: addr, Amount: 500}},
		10, 0, 0, nil)
	if err := sm.ApplyTransaction(dep); err != nil {
		t.Fatalf("stake deposit: %v", err)
	}
	if got := sm.GetAccount(addr).StakeAmount; got != 500 {
		t.Fatalf("stake = %d, want 500", got)
	}

	wd := NewTransaction(1, TxStakeWithdraw,
		[]TransactionInput{{PrevTxHash: dep.Hash, OutputIndex: 0, Amount: 200}},
		[]TransactionOutput{{Recipient: addr, Amount: 200}},
		20, 0, 0, nil)
	if err := sm.ApplyTransaction(wd); err != nil {
		t.Fatalf("stake withdraw: %v", err)
	}
	if got := sm.GetAccount(addr).StakeAmount; got != 300 {
		t.Fatalf("stake after withdraw = %d, want 300", got)
	}
}

func TestStakeWithdrawRejectsOverdraw(t *testing.T) {
	sm := NewStateManager(0)
	addr := Address{1}
	dep := NewTransaction(1, TxStakeDeposit, nil,
		[]TransactionOutput{{Recipient: addr, Amount: 100}},
		10, 0, 0, nil)
	if err := sm.ApplyTransaction(dep); err != nil {
		t.Fatalf("stake deposit: %v", err)
	}

	wd := NewTransaction(1, TxStakeWithdraw,
		[]TransactionInput{{PrevTxHash: dep.Hash, OutputIndex: 0, Amount: 100}},
		[]TransactionOutput{{Recipient: addr, Amount: 100}},
		20, 0, 0, nil)
	// Withdrawing the deposit's full UTXO amount is fine; asking for more
	// stake than the account holds is not.
	if err := sm.ApplyTransaction(wd); err != nil {
		t.Fatalf("full withdraw: %v", err)
	}
	wd2 := NewTransaction(1, TxStakeWithdraw,
		[]TransactionInput{{PrevTxHash: wd.Hash, OutputIndex: 0, Amount: 1}},
		[]TransactionOutput{{Recipient: addr, Amount: 1}},
		30, 0, 0, nil)
	if err := sm.ApplyTransaction(wd2); err == nil {
		t.Fatal("expected InsufficientStake error")
	}
}

func TestContributionReportParsesLittleEndianScore(t *testing.T) {
	sm := NewStateManager(0)
	addr := Address{1}

	// 0x00000102 little-endian = 258
	tx := NewTransaction(1, TxContributionReport, nil,
		[]TransactionOutput{{Recipient: addr, Amount: 0}},
		10, 0, 0, []byte{0x02, 0x01, 0x00, 0x00})
	if err := sm.ApplyTransaction(tx); err != nil {
		t.Fatalf("contribution report: %v", err)
	}
	if got := sm.GetAccount(addr).ContributionScore; got != 258 {
		t.Fatalf("contribution score = %d, want 258", got)
	}
}

func TestContributionReportRejectsShortPayload(t *testing.T) {
	sm := NewStateManager(0)
	tx := NewTransaction(1, TxContributionReport, nil,
		[]TransactionOutput{{Recipient: Address{1}, Amount: 0}},
		10, 0, 0, []byte{0x01, 0x02})
	if err := sm.ApplyTransaction(tx); err == nil {
		t.Fatal("expected error for short contribution payload")
	}
}

func TestContractDeployStoresCode(t *testing.T) {
	sm := NewStateManager(0)
	target := Address{7}
	code := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	tx := NewTransaction(1, TxContractDeploy, nil,
		[]TransactionOutput{{Recipient: target, Amount: 0}},
		10, 0, 0, code)
	if err := sm.ApplyTransaction(tx); err != nil {
		t.Fatalf("contract deploy: %v", err)
	}
	acc := sm.GetAccount(target)
	if len(acc.Code) != len(code) {
		t.Fatalf("expected code stored on account, got %d bytes", len(acc.Code))
	}
}

func TestContractCallWithoutCodeFails(t *testing.T) {
	sm := NewStateManager(0, WithContractExecutor(NewWasmContractExecutor()))
	tx := NewTransaction(1, TxContractCall, nil,
		[]TransactionOutput{{Recipient: Address{7}, Amount: 0}},
		10, 0, 0, nil)
	if err := sm.ApplyTransaction(tx); err == nil {
		t.Fatal("expected error calling an address with no contract code")
	}
}

// stubExecutor lets state tests drive the contract-call path without a real
// wasm module.
type stubExecutor struct {
	result *VMResult
	err    error
	writes map[string][]byte
}

func (s *stubExecutor) Execute(code []byte, fn string, args []byte, ctx *VMContext) (*VMResult, error) {
	for k, v := range s.writes {
		ctx.writeStorage([]byte(k), v)
	}
	return s.result, s.err
}

func TestContractCallFlushesBufferedWritesOnSuccess(t *testing.T) {
	target := Address{7}
	exec := &stubExecutor{
		result: &VMResult{Success: true},
		writes: map[string][]byte{"counter": {0x01}},
	}
	sm := NewStateManager(0, WithContractExecutor(exec))

	deploy := NewTransaction(1, TxContractDeploy, nil,
		[]TransactionOutput{{Recipient: target, Amount: 0}},
		10, 0, 0, []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})
	if err := sm.ApplyTransaction(deploy); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	call := NewTransaction(1, TxContractCall, nil,
		[]TransactionOutput{{Recipient: target, Amount: 0}},
		20, 0, 0, nil)
	if err := sm.ApplyTransaction(call); err != nil {
		t.Fatalf("call: %v", err)
	}

	acc := sm.GetAccount(target)
	if got, ok := acc.Storage["counter"]; !ok || len(got) != 1 || got[0] != 0x01 {
		t.Fatalf("expected flushed storage write, got %v", acc.Storage)
	}
}

func TestContractCallDiscardsWritesOnFailure(t *testing.T) {
	target := Address{7}
	exec := &stubExecutor{
		result: &VMResult{Success: false, Error: "contract returned code 1"},
		writes: map[string][]byte{"counter": {0x01}},
	}
	sm := NewStateManager(0, WithContractExecutor(exec))

	deploy := NewTransaction(1, TxContractDeploy, nil,
		[]TransactionOutput{{Recipient: target, Amount: 0}},
		10, 0, 0, []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})
	if err := sm.ApplyTransaction(deploy); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	call := NewTransaction(1, TxContractCall, nil,
		[]TransactionOutput{{Recipient: target, Amount: 0}},
		20, 0, 0, nil)
	if err := sm.ApplyTransaction(call); err == nil {
		t.Fatal("expected ContractExecutionFailed")
	}
	if storage := sm.GetAccount(target).Storage; len(storage) != 0 {
		t.Fatalf("expected no storage mutation after failed call, got %v", storage)
	}
}

func TestContractCallOutOfGasRejectsTransactionAndBlock(t *testing.T) {
	target := Address{7}
	sm := NewStateManager(0,
		WithContractExecutor(NewWasmContractExecutor()),
		WithDefaultGasLimit(1000))

	deploy := NewTransaction(1, TxContractDeploy, nil,
		[]TransactionOutput{{Recipient: target, Amount: 0}},
		10, 0, 0, storageWriteModule())
	if err := sm.ApplyTransaction(deploy); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	// The module's storage_write charges 1500 gas against the 1000 limit.
	call := NewTransaction(1, TxContractCall, nil,
		[]TransactionOutput{{Recipient: target, Amount: 0}},
		20, 0, 0, nil)
	err := sm.ApplyTransaction(call)
	if !errors.Is(err, ErrContractExecutionFailed) {
		t.Fatalf("expected ErrContractExecutionFailed, got %v", err)
	}
	if !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("out-of-gas kind lost in wrapping: %v", err)
	}
	if storage := sm.GetAccount(target).Storage; len(storage) != 0 {
		t.Fatalf("storage mutated by failed call: %v", storage)
	}

	heightBefore := sm.CurrentHeight()
	block := NewBlock(BlockHeader{Version: 1, ShardID: 0, Timestamp: 30},
		[]*Transaction{NewTransaction(1, TxContractCall, nil,
			[]TransactionOutput{{Recipient: target, Amount: 0}},
			30, 0, 0, nil)})
	if err := sm.ApplyBlock(block, nil, nil); !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("expected block rejection with out-of-gas kind, got %v", err)
	}
	if sm.CurrentHeight() != heightBefore {
		t.Fatal("rejected block advanced height")
	}
}

func TestApplyBlockAtomicRollbackOnMidBlockFailure(t *testing.T) {
	sm := NewStateManager(0)
	x := Address{1}
	t1 := fundAccount(t, sm, x, 100, 10)

	heightBefore := sm.CurrentHeight()
	bestBefore := sm.BestBlockHash()
	balanceBefore := sm.GetAccount(x).Balance

	good := NewTransaction(1, TxTransfer,
		[]TransactionInput{{PrevTxHash: t1.Hash, OutputIndex: 0, Amount: 100}},
		[]TransactionOutput{{Recipient: Address{2}, Amount: 100}},
		20, 0, 0, nil)
	// Second transaction double-spends the same input, failing mid-block.
	bad := NewTransaction(1, TxTransfer,
		[]TransactionInput{{PrevTxHash: t1.Hash, OutputIndex: 0, Amount: 100}},
		[]TransactionOutput{{Recipient: Address{3}, Amount: 100}},
		21, 0, 0, nil)

	block := NewBlock(BlockHeader{Version: 1, ShardID: 0, Timestamp: 30}, []*Transaction{good, bad})
	if err := sm.ApplyBlock(block, nil, nil); err == nil {
		t.Fatal("expected mid-block failure to reject the block")
	}

	if sm.CurrentHeight() != heightBefore {
		t.Fatalf("height mutated by rejected block: %d", sm.CurrentHeight())
	}
	if sm.BestBlockHash() != bestBefore {
		t.Fatal("best block hash mutated by rejected block")
	}
	if got := sm.GetAccount(x).Balance; got != balanceBefore {
		t.Fatalf("balance mutated by rejected block: %d", got)
	}
	u, _ := sm.GetUTXO(t1.Hash, 0)
	if u.Spent {
		t.Fatal("input UTXO left spent by rejected block")
	}
	if _, ok := sm.GetUTXO(good.Hash, 0); ok {
		t.Fatal("output UTXO of rolled-back transaction survived")
	}
	if _, ok := sm.GetBlockMetadata(block.BlockHash); ok {
		t.Fatal("rejected block indexed")
	}
}

func TestApplyBlockAdvancesHeightAndBestHash(t *testing.T) {
	sm := NewStateManager(0)
	tx := NewTransaction(1, TxStakeDeposit, nil,
		[]TransactionOutput{{Recipient: Address{1}, Amount: 50}},
		10, 0, 0, nil)
	block := NewBlock(BlockHeader{Version: 1, ShardID: 0, Timestamp: 20}, []*Transaction{tx})

	if err := sm.ApplyBlock(block, nil, nil); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	if sm.CurrentHeight() != 1 {
		t.Fatalf("height = %d, want 1", sm.CurrentHeight())
	}
	if sm.BestBlockHash() != block.BlockHash {
		t.Fatal("best block hash not advanced")
	}
	meta, ok := sm.GetBlockMetadata(block.BlockHash)
	if !ok || meta.Height != 0 || meta.Timestamp != 20 {
		t.Fatalf("unexpected block metadata: %+v", meta)
	}
}

func TestApplyCrossShardHalvesAreIdempotent(t *testing.T) {
	source := NewStateManager(1)
	target := NewStateManager(2)
	x := Address{1}
	y := Address{2}

	funding := fundAccount(t, source, x, 100, 10)
	// funding was applied with ShardID from source; rebuild a cross-shard
	// spend referencing it.
	tx := NewTransaction(1, TxCrossShard,
		[]TransactionInput{{PrevTxHash: funding.Hash, OutputIndex: 0, Amount: 100}},
		[]TransactionOutput{{Recipient: y, Amount: 100}},
		20, 0, 2, nil)

	for i := 0; i < 2; i++ {
		if err := source.ApplyCrossShardHalf(tx, CrossShardSourcePhase); err != nil {
			t.Fatalf("source half (attempt %d): %v", i, err)
		}
		if err := target.ApplyCrossShardHalf(tx, CrossShardTargetPhase); err != nil {
			t.Fatalf("target half (attempt %d): %v", i, err)
		}
	}

	u, _ := source.GetUTXO(funding.Hash, 0)
	if !u.Spent {
		t.Fatal("source input not spent")
	}
	if got := target.GetAccount(y).Balance; got != 100 {
		t.Fatalf("target credited %d, want 100 (retry must not double-credit)", got)
	}
}

func TestSnapshotRoundTripThroughJSON(t *testing.T) {
	sm := NewStateManager(0)
	x := Address{1}
	t1 := fundAccount(t, sm, x, 100, 10)
	t2 := NewTransaction(1, TxTransfer,
		[]TransactionInput{{PrevTxHash: t1.Hash, OutputIndex: 0, Amount: 100}},
		[]TransactionOutput{{Recipient: Address{2}, Amount: 60}, {Recipient: x, Amount: 40}},
		20, 0, 0, nil)
	if err := sm.ApplyTransaction(t2); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	block := NewBlock(BlockHeader{Version: 1, ShardID: 0, Timestamp: 30}, nil)
	if err := sm.ApplyBlock(block, nil, nil); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}

	snap := sm.ExportSnapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	restored := NewStateManager(0)
	restored.ImportSnapshot(decoded)

	if restored.CurrentHeight() != sm.CurrentHeight() {
		t.Fatalf("height %d != %d after round trip", restored.CurrentHeight(), sm.CurrentHeight())
	}
	if restored.BestBlockHash() != sm.BestBlockHash() {
		t.Fatal("best block hash lost in round trip")
	}

	for _, u := range snap.UTXOs {
		got, ok := restored.GetUTXO(u.TxHash, u.OutputIndex)
		if !ok {
			t.Fatalf("UTXO %s:%d lost in round trip", u.TxHash, u.OutputIndex)
		}
		if got.Amount != u.Amount || got.Owner != u.Owner || got.Spent != u.Spent {
			t.Fatalf("UTXO %s:%d mutated in round trip: %+v vs %+v", u.TxHash, u.OutputIndex, got, u)
		}
	}
	for _, a := range snap.Accounts {
		got := restored.GetAccount(a.Address)
		if got.Balance != a.Balance || got.StakeAmount != a.StakeAmount || got.ContributionScore != a.ContributionScore {
			t.Fatalf("account %s mutated in round trip: %+v vs %+v", a.Address, got, a)
		}
	}
}
