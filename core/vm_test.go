package core

import (
	"errors"
	"testing"
)

func TestGasMeterConsumeWithinLimit(t *testing.T) {
	g := NewGasMeter(100)
	if err := g.Consume(60); err != nil {
		t.Fatalf("Consume(60): %v", err)
	}
	if err := g.Consume(40); err != nil {
		t.Fatalf("Consume(40): %v", err)
	}
	if g.Used() != 100 || g.Remaining() != 0 {
		t.Fatalf("used=%d remaining=%d, want 100/0", g.Used(), g.Remaining())
	}
}

func TestGasMeterRejectsOverflowWithoutMutating(t *testing.T) {
	g := NewGasMeter(100)
	if err := g.Consume(90); err != nil {
		t.Fatalf("Consume(90): %v", err)
	}
	if err := g.Consume(11); !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("expected ErrOutOfGas, got %v", err)
	}
	if g.Used() != 90 {
		t.Fatalf("failed Consume mutated used to %d", g.Used())
	}
}

func TestGasCostUnknownFunctionIsPunitive(t *testing.T) {
	if got := GasCost("no_such_host_fn"); got != DefaultGasCost {
		t.Fatalf("GasCost(unknown) = %d, want %d", got, DefaultGasCost)
	}
}

func TestStorageWriteGasExhaustsSmallLimit(t *testing.T) {
	// storage_write(key_len=50, val_len=100) costs 10*(50+100) = 1500 gas,
	// which must trip a 1000-gas limit.
	g := NewGasMeter(1000)
	cost := storageWriteGasPerByte * uint64(50+100)
	if cost != 1500 {
		t.Fatalf("storage_write cost = %d, want 1500", cost)
	}
	if err := g.Consume(cost); !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("expected ErrOutOfGas, got %v", err)
	}
}

func TestValidateModuleHeader(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		ok   bool
	}{
		{"valid", []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}, true},
		{"short", []byte{0x00, 0x61}, false},
		{"bad magic", []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x00, 0x00, 0x00}, false},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateModuleHeader(tc.code)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrCompileError) {
					t.Fatalf("expected ErrCompileError, got %v", err)
				}
			}
		})
	}
}

func TestExecuteRejectsBadHeaderBeforeCompiling(t *testing.T) {
	e := NewWasmContractExecutor()
	ctx := NewVMContext(Address{1}, Address{2}, 0, 1000, 0, nil)
	if _, err := e.Execute([]byte{0x01, 0x02}, "_start", nil, ctx); !errors.Is(err, ErrCompileError) {
		t.Fatalf("expected ErrCompileError, got %v", err)
	}
}

func TestVMContextReadsOwnBufferedWrite(t *testing.T) {
	committed := storageReaderFunc(func(key []byte) ([]byte, bool) {
		if string(key) == "persisted" {
			return []byte("old"), true
		}
		return nil, false
	})
	ctx := NewVMContext(Address{1}, Address{2}, 7, 1000, 0, committed)

	if v, ok := ctx.readStorage([]byte("persisted")); !ok || string(v) != "old" {
		t.Fatalf("committed read = %q/%v, want old/true", v, ok)
	}
	if _, ok := ctx.readStorage([]byte("fresh")); ok {
		t.Fatal("expected miss for unwritten key")
	}

	ctx.writeStorage([]byte("fresh"), []byte("new"))
	ctx.writeStorage([]byte("persisted"), []byte("updated"))

	if v, ok := ctx.readStorage([]byte("fresh")); !ok || string(v) != "new" {
		t.Fatalf("buffered read = %q/%v, want new/true", v, ok)
	}
	// A buffered write shadows the committed value within the same invocation.
	if v, _ := ctx.readStorage([]byte("persisted")); string(v) != "updated" {
		t.Fatalf("buffered write did not shadow committed value: %q", v)
	}
	// Buffered writes never leak into the committed reader.
	if v, _ := committed.Read([]byte("persisted")); string(v) != "old" {
		t.Fatalf("committed storage mutated by buffered write: %q", v)
	}
}

// returnModule assembles a minimal wasm binary exporting "memory" (1 page,
// max 100) and "_start(i32, i32) -> i32" returning ret. No imports.
func returnModule(ret byte) []byte {
	return []byte{
		0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, // header
		0x01, 0x07, 0x01, 0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7F, // type (i32,i32)->i32
		0x03, 0x02, 0x01, 0x00, // func 0 uses type 0
		0x05, 0x04, 0x01, 0x01, 0x01, 0x64, // memory 1..100 pages
		0x07, 0x13, 0x02, // exports: memory, _start
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
		0x0A, 0x06, 0x01, 0x04, 0x00, 0x41, ret, 0x0B, // body: i32.const ret
	}
}

// storageWriteModule assembles a wasm binary whose _start issues
// env.storage_write(key_ptr=0, key_len=50, val_ptr=0, val_len=100), drops
// the result, and returns 0. Charged 10*(50+100) = 1500 gas by the host.
func storageWriteModule() []byte {
	return []byte{
		0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, // header
		0x01, 0x0F, 0x02, // 2 types
		0x60, 0x04, 0x7F, 0x7F, 0x7F, 0x7F, 0x01, 0x7F, // (i32 x4)->i32
		0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7F, // (i32,i32)->i32
		0x02, 0x15, 0x01, // import env.storage_write : type 0
		0x03, 'e', 'n', 'v',
		0x0D, 's', 't', 'o', 'r', 'a', 'g', 'e', '_', 'w', 'r', 'i', 't', 'e',
		0x00, 0x00,
		0x03, 0x02, 0x01, 0x01, // func 1 uses type 1
		0x05, 0x04, 0x01, 0x01, 0x01, 0x64, // memory 1..100 pages
		0x07, 0x13, 0x02, // exports: memory, _start (func index 1)
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
		0x0A, 0x12, 0x01, 0x10, 0x00, // body, 16 bytes, no locals
		0x41, 0x00, // i32.const 0 (key_ptr)
		0x41, 0x32, // i32.const 50 (key_len)
		0x41, 0x00, // i32.const 0 (val_ptr)
		0x41, 0xE4, 0x00, // i32.const 100 (val_len)
		0x10, 0x00, // call storage_write
		0x1A,       // drop
		0x41, 0x00, // i32.const 0
		0x0B, // end
	}
}

func TestExecuteRunsRealModule(t *testing.T) {
	e := NewWasmContractExecutor()
	ctx := NewVMContext(Address{1}, Address{2}, 0, 10_000, 0, nil)
	res, err := e.Execute(returnModule(0), "_start", []byte("args"), ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
}

func TestExecuteReportsContractFailureCode(t *testing.T) {
	e := NewWasmContractExecutor()
	ctx := NewVMContext(Address{1}, Address{2}, 0, 10_000, 0, nil)
	res, err := e.Execute(returnModule(1), "_start", nil, ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected contract-reported failure for non-zero return")
	}
}

func TestExecuteExportNotFound(t *testing.T) {
	e := NewWasmContractExecutor()
	ctx := NewVMContext(Address{1}, Address{2}, 0, 10_000, 0, nil)
	if _, err := e.Execute(returnModule(0), "missing", nil, ctx); !errors.Is(err, ErrExportNotFound) {
		t.Fatalf("expected ErrExportNotFound, got %v", err)
	}
}

func TestModuleCacheInvalidatedOnCodeChange(t *testing.T) {
	e := NewWasmContractExecutor()
	contract := Address{1}

	ctx1 := NewVMContext(contract, Address{2}, 0, 10_000, 0, nil)
	res, err := e.Execute(returnModule(0), "_start", nil, ctx1)
	if err != nil || !res.Success {
		t.Fatalf("first Execute: res=%+v err=%v", res, err)
	}

	// Re-running identical code hits the cache and reproduces the result.
	ctx2 := NewVMContext(contract, Address{2}, 0, 10_000, 0, nil)
	res, err = e.Execute(returnModule(0), "_start", nil, ctx2)
	if err != nil || !res.Success {
		t.Fatalf("cached Execute: res=%+v err=%v", res, err)
	}

	// Changed code at the same address must recompile, not replay the
	// stale compilation.
	ctx3 := NewVMContext(contract, Address{2}, 0, 10_000, 0, nil)
	res, err = e.Execute(returnModule(1), "_start", nil, ctx3)
	if err != nil {
		t.Fatalf("Execute after code change: %v", err)
	}
	if res.Success {
		t.Fatal("stale cached module executed after code change")
	}
}

func TestExecuteHostStorageWriteBuffersMutation(t *testing.T) {
	e := NewWasmContractExecutor()
	ctx := NewVMContext(Address{1}, Address{2}, 0, 10_000, 0, nil)
	res, err := e.Execute(storageWriteModule(), "_start", nil, ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.GasUsed != 1500 {
		t.Fatalf("gas used = %d, want 1500", res.GasUsed)
	}
	if len(ctx.PendingWrites) != 1 {
		t.Fatalf("expected one buffered write, got %d", len(ctx.PendingWrites))
	}
	for k, v := range ctx.PendingWrites {
		if len(k) != 50 || len(v) != 100 {
			t.Fatalf("buffered write sizes = %d/%d, want 50/100", len(k), len(v))
		}
	}
}

func TestExecuteSurfacesOutOfGasDespiteCooperatingReturn(t *testing.T) {
	// The module drops the host's -2 and returns 0; the invocation must
	// still fail with the out-of-gas kind.
	e := NewWasmContractExecutor()
	ctx := NewVMContext(Address{1}, Address{2}, 0, 1000, 0, nil)
	if _, err := e.Execute(storageWriteModule(), "_start", nil, ctx); !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("expected ErrOutOfGas, got %v", err)
	}
	if len(ctx.PendingWrites) != 0 {
		t.Fatal("rejected write must not be buffered")
	}
}

func TestVMContextIsolationBetweenInvocations(t *testing.T) {
	ctx1 := NewVMContext(Address{1}, Address{2}, 0, 1000, 0, nil)
	ctx1.writeStorage([]byte("k"), []byte("v"))

	ctx2 := NewVMContext(Address{1}, Address{2}, 0, 1000, 0, nil)
	if _, ok := ctx2.readStorage([]byte("k")); ok {
		t.Fatal("uncommitted write visible to a different invocation")
	}
}
