package core

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// wasmMagic and wasmVersion are the four-byte sequences every valid module
// must begin with.
var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6D}
var wasmVersion = [4]byte{0x01, 0x00, 0x00, 0x00}

// VMLog is one entry appended by the log host function.
type VMLog struct {
	Address Address
	Topic   []byte
	Data    []byte
}

// StorageReader serves committed contract storage reads. StateManager
// implements this over an account's Storage map.
type StorageReader interface {
	Read(key []byte) ([]byte, bool)
}

type storageReaderFunc func(key []byte) ([]byte, bool)

func (f storageReaderFunc) Read(key []byte) ([]byte, bool) { return f(key) }

// VMContext is the per-invocation execution context. It is
// deterministic: no wall-clock, no RNG, no network is reachable from host
// functions.
type VMContext struct {
	ContractAddress Address
	CallerAddress   Address
	Value           uint64
	ShardID         uint16

	gas           *GasMeter
	storageReader StorageReader
	outOfGas      bool

	ReturnData []byte
	Logs       []VMLog

	// PendingWrites buffers storage_write calls for this invocation only;
	// it is never visible to any other invocation and is flushed into the
	// owning account's committed storage by StateManager only after the
	// containing transaction succeeds.
	PendingWrites map[string][]byte
}

// NewVMContext constructs a fresh invocation context bounded by gasLimit.
func NewVMContext(contract, caller Address, value, gasLimit uint64, shardID uint16, reader StorageReader) *VMContext {
	return &VMContext{
		ContractAddress: contract,
		CallerAddress:   caller,
		Value:           value,
		ShardID:         shardID,
		gas:             NewGasMeter(gasLimit),
		storageReader:   reader,
		PendingWrites:   make(map[string][]byte),
	}
}

// GasUsed returns gas consumed during the invocation so far.
func (c *VMContext) GasUsed() uint64 { return c.gas.Used() }

// OutOfGas reports whether any host call was rejected by the gas gate during
// this invocation. The flag survives a module that swallows the -2 return
// and exits normally, so the invocation still fails with the out-of-gas kind.
func (c *VMContext) OutOfGas() bool { return c.outOfGas }

func (c *VMContext) consumeGas(amount uint64) error {
	if err := c.gas.Consume(amount); err != nil {
		c.outOfGas = true
		return err
	}
	return nil
}

// readStorage serves storage_read: a key written earlier in this same
// invocation (buffered, uncommitted) is observed before falling back to
// committed storage.
func (c *VMContext) readStorage(key []byte) ([]byte, bool) {
	if v, ok := c.PendingWrites[string(key)]; ok {
		return v, true
	}
	if c.storageReader == nil {
		return nil, false
	}
	return c.storageReader.Read(key)
}

func (c *VMContext) writeStorage(key, val []byte) {
	c.PendingWrites[string(key)] = val
}

// VMResult is the outcome of one contract invocation.
type VMResult struct {
	Success    bool
	Error      string
	ReturnData []byte
	Logs       []VMLog
	GasUsed    uint64
}

// ContractExecutor runs a compiled contract module against an invocation
// context. The state manager is the only caller.
type ContractExecutor interface {
	Execute(code []byte, functionName string, args []byte, ctx *VMContext) (*VMResult, error)
}

type cachedModule struct {
	codeHash Hash
	store    *wasmer.Store
	module   *wasmer.Module
}

// WasmContractExecutor runs WebAssembly modules via wasmer-go. Compiled
// modules are cached per contract address; a code change (detected by
// comparing the stored code hash) invalidates the cache entry, so stale
// compilations can never execute for an updated account.
type WasmContractExecutor struct {
	engine *wasmer.Engine

	mu    sync.Mutex
	cache map[Address]*cachedModule
}

// NewWasmContractExecutor constructs an executor with its own wasmer
// engine and an empty module cache.
func NewWasmContractExecutor() *WasmContractExecutor {
	return &WasmContractExecutor{
		engine: wasmer.NewEngine(),
		cache:  make(map[Address]*cachedModule),
	}
}

func validateModuleHeader(code []byte) error {
	if len(code) < 8 {
		return wrapf(ErrCompileError, "module shorter than header")
	}
	if [4]byte(code[0:4]) != wasmMagic {
		return wrapf(ErrCompileError, "bad magic")
	}
	if [4]byte(code[4:8]) != wasmVersion {
		return wrapf(ErrCompileError, "unsupported version")
	}
	return nil
}

func (e *WasmContractExecutor) compiledModule(contract Address, code []byte) (*wasmer.Store, *wasmer.Module, error) {
	codeHash := sha256.Sum256(code)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.cache[contract]; ok && cached.codeHash == codeHash {
		return cached.store, cached.module, nil
	}

	store := wasmer.NewStore(e.engine)
	mod, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, nil, wrapf(ErrCompileError, "%v", err)
	}
	e.cache[contract] = &cachedModule{codeHash: codeHash, store: store, module: mod}
	return store, mod, nil
}

// hostCtx carries the pieces the host function closures need: the wasm
// linear memory (bound after instantiation) and the invocation context.
type hostCtx struct {
	mem *wasmer.Memory
	ctx *VMContext
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	data := h.mem.Data()
	if ptr < 0 || ln < 0 || int(ptr)+int(ln) > len(data) {
		return nil
	}
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out
}

func (h *hostCtx) write(ptr int32, data []byte) bool {
	mem := h.mem.Data()
	if ptr < 0 || int(ptr)+len(data) > len(mem) {
		return false
	}
	copy(mem[ptr:], data)
	return true
}

func i32(v int32) wasmer.Value { return wasmer.NewI32(v) }

func registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	storageRead := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.ctx.consumeGas(GasCost("storage_read")); err != nil {
				return []wasmer.Value{i32(-2)}, nil
			}
			key := h.read(args[0].I32(), args[1].I32())
			if key == nil {
				return []wasmer.Value{i32(-1)}, nil
			}
			val, ok := h.ctx.readStorage(key)
			if !ok {
				return []wasmer.Value{i32(0)}, nil
			}
			h.ctx.ReturnData = val
			return []wasmer.Value{i32(1)}, nil
		},
	)

	storageWrite := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(
				wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32),
				wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32),
			),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen, valPtr, valLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			cost := storageWriteGasPerByte * uint64(keyLen+valLen)
			if err := h.ctx.consumeGas(cost); err != nil {
				return []wasmer.Value{i32(-2)}, nil
			}
			key := h.read(keyPtr, keyLen)
			val := h.read(valPtr, valLen)
			if key == nil || val == nil {
				return []wasmer.Value{i32(-1)}, nil
			}
			h.ctx.writeStorage(key, val)
			return []wasmer.Value{i32(0)}, nil
		},
	)

	getCaller := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.ctx.consumeGas(GasCost("get_caller")); err != nil {
				return []wasmer.Value{i32(-2)}, nil
			}
			if !h.write(args[0].I32(), h.ctx.CallerAddress[:]) {
				return []wasmer.Value{i32(-1)}, nil
			}
			return []wasmer.Value{i32(int32(AddressSize))}, nil
		},
	)

	getValue := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I64)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.ctx.consumeGas(GasCost("get_value")); err != nil {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(int64(h.ctx.Value))}, nil
		},
	)

	logFn := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(
				wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32),
				wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32),
			),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			topicPtr, topicLen, dataPtr, dataLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			cost := logGasPerByte * uint64(topicLen+dataLen)
			if err := h.ctx.consumeGas(cost); err != nil {
				return []wasmer.Value{i32(-2)}, nil
			}
			topic := h.read(topicPtr, topicLen)
			data := h.read(dataPtr, dataLen)
			h.ctx.Logs = append(h.ctx.Logs, VMLog{Address: h.ctx.ContractAddress, Topic: topic, Data: data})
			return []wasmer.Value{i32(0)}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"storage_read":  storageRead,
		"storage_write": storageWrite,
		"get_caller":    getCaller,
		"get_value":     getValue,
		"log":           logFn,
	})

	return imports
}

// Execute compiles (or reuses a cached compilation of) code, instantiates
// it, writes args into its linear memory, and invokes functionName(ptr,
// len) -> i32. A non-zero return is treated as contract-reported failure;
// a wasmer-level trap or instantiation error maps to the corresponding
// error kind.
func (e *WasmContractExecutor) Execute(code []byte, functionName string, args []byte, ctx *VMContext) (result *VMResult, err error) {
	if err := validateModuleHeader(code); err != nil {
		return nil, err
	}

	store, mod, err := e.compiledModule(ctx.ContractAddress, code)
	if err != nil {
		return nil, err
	}

	h := &hostCtx{ctx: ctx}
	imports := registerHost(store, h)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, wrapf(ErrInstantiationError, "%v", err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, wrapf(ErrInstantiationError, "memory export missing: %v", err)
	}
	h.mem = mem

	fn, err := instance.Exports.GetFunction(functionName)
	if err != nil {
		return nil, wrapf(ErrExportNotFound, "%s: %v", functionName, err)
	}

	argsPtr := int32(0)
	if len(args) > 0 {
		if !h.write(argsPtr, args) {
			return nil, wrapf(ErrTrap, "module memory too small for %d argument bytes", len(args))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = wrapf(ErrTrap, "panic: %v", r)
			result = nil
		}
	}()

	ret, callErr := fn(argsPtr, int32(len(args)))
	if ctx.OutOfGas() {
		return nil, wrapf(ErrOutOfGas, "gas limit %d exceeded", ctx.gas.limit)
	}
	if callErr != nil {
		return nil, wrapf(ErrTrap, "%v", callErr)
	}

	res := &VMResult{Success: true, ReturnData: ctx.ReturnData, Logs: ctx.Logs, GasUsed: ctx.GasUsed()}
	if code, ok := ret.(int32); ok && code != 0 {
		res.Success = false
		res.Error = fmt.Sprintf("contract returned code %d", code)
	}
	return res, nil
}
