package rpc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"apocnode/core"
)

// blockchainInfo is the getBlockchainInfo response: every shard in the
// catalog, the current epoch, and the leader for height 0 (omitted when
// the active set is empty).
type blockchainInfo struct {
	Shards  []core.ShardInfo `json:"shards"`
	Epoch   uint64           `json:"epoch"`
	Leader0 string           `json:"leader_height_0,omitempty"`
}

func (s *Server) getBlockchainInfo(w http.ResponseWriter, r *http.Request) {
	info := blockchainInfo{
		Shards: s.node.Sharding.GetAllShards(),
		Epoch:  s.node.Consensus.CurrentEpoch(),
	}
	if leader, err := s.node.Consensus.Leader(0); err == nil {
		info.Leader0 = leader.String()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) shardFromQuery(r *http.Request) (uint16, error) {
	v := r.URL.Query().Get("shard")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, wrapErr("invalid shard query parameter")
	}
	return uint16(n), nil
}

func (s *Server) getBlock(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shardID, err := s.shardFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sm, ok := s.node.Shard(shardID)
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrShardNotFound)
		return
	}
	meta, ok := sm.GetBlockMetadata(hash)
	if !ok {
		writeError(w, http.StatusNotFound, wrapErr("block not found"))
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	// The core tracks applied transactions only via their effects (UTXOs,
	// account mutations); it does not index raw transactions by hash. This
	// endpoint reports the UTXOs a transaction produced, which is the
	// closest queryable artifact the state machine retains.
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shardID, err := s.shardFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sm, ok := s.node.Shard(shardID)
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrShardNotFound)
		return
	}
	var outputs []core.UTXO
	for i := uint32(0); ; i++ {
		u, ok := sm.GetUTXO(hash, i)
		if !ok {
			break
		}
		outputs = append(outputs, u)
	}
	if outputs == nil {
		writeError(w, http.StatusNotFound, wrapErr("transaction not found"))
		return
	}
	writeJSON(w, http.StatusOK, outputs)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := core.StringToAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shardID, err := s.shardFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sm, ok := s.node.Shard(shardID)
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrShardNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sm.GetAccount(addr))
}

func (s *Server) getShardInfo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, ok := s.node.Sharding.GetShardInfo(uint16(id))
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrShardNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) getAllShards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Sharding.GetAllShards())
}

// sendTransactionRequest is the transport-edge JSON envelope for an
// already-constructed, already-signed transaction. The core consumes
// signatures, it does not produce them.
type sendTransactionRequest struct {
	Version   uint32                   `json:"version"`
	Kind      core.TxKind              `json:"kind"`
	Inputs    []core.TransactionInput  `json:"inputs"`
	Outputs   []core.TransactionOutput `json:"outputs"`
	Timestamp uint64                   `json:"timestamp"`
	LockTime  uint64                   `json:"lock_time"`
	ShardID   uint16                   `json:"shard_id"`
	Data      []byte                   `json:"data"`
}

func (s *Server) sendTransaction(w http.ResponseWriter, r *http.Request) {
	var req sendTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx := core.NewTransaction(req.Version, req.Kind, req.Inputs, req.Outputs, req.Timestamp, req.LockTime, req.ShardID, req.Data)

	shardID, err := s.node.RouteTransaction(tx)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"hash": tx.Hash.String(), "shard": shardID})
}

type deployContractRequest struct {
	Code []byte `json:"code"`
	Args []byte `json:"args"`
}

// deployContract stores the module's code on a freshly derived contract
// address by routing and applying a ContractDeploy transaction. Non-empty
// args additionally run an initialization call against the new contract.
func (s *Server) deployContract(w http.ResponseWriter, r *http.Request) {
	var req deployContractRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Code) == 0 {
		writeError(w, http.StatusBadRequest, wrapErr("empty contract code"))
		return
	}

	contract := core.DeriveAddress(req.Code)
	now := uint64(time.Now().Unix())
	tx := core.NewTransaction(1, core.TxContractDeploy, nil,
		[]core.TransactionOutput{{Recipient: contract}},
		now, 0, 0, req.Code)

	shardID, err := s.node.RouteTransaction(tx)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sm, ok := s.node.Shard(shardID)
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrShardNotFound)
		return
	}
	if err := sm.ApplyTransaction(tx); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := map[string]any{
		"hash":     tx.Hash.String(),
		"contract": contract.String(),
		"shard":    shardID,
	}
	if len(req.Args) > 0 {
		init := core.NewTransaction(1, core.TxContractCall, nil,
			[]core.TransactionOutput{{Recipient: contract}},
			now, 0, shardID, req.Args)
		if err := sm.ApplyTransaction(init); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp["init_hash"] = init.Hash.String()
	}
	writeJSON(w, http.StatusCreated, resp)
}

type callContractRequest struct {
	Function string `json:"function"`
	Args     []byte `json:"args"`
}

// callContract routes and applies a ContractCall transaction against the
// addressed contract. The on-ledger call path always enters through the
// module's entrypoint export, so any other function name is rejected here
// rather than silently ignored.
func (s *Server) callContract(w http.ResponseWriter, r *http.Request) {
	addr, err := core.StringToAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req callContractRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Function != "" && req.Function != "_start" {
		writeError(w, http.StatusBadRequest, wrapErr("only the module entrypoint _start is callable"))
		return
	}

	tx := core.NewTransaction(1, core.TxContractCall, nil,
		[]core.TransactionOutput{{Recipient: addr}},
		uint64(time.Now().Unix()), 0, 0, req.Args)

	shardID, err := s.node.RouteTransaction(tx)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sm, ok := s.node.Shard(shardID)
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrShardNotFound)
		return
	}
	if err := sm.ApplyTransaction(tx); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": tx.Hash.String(), "shard": shardID})
}

type stakeRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) stake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := core.StringToAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.Consensus.RegisterValidator(addr, req.Amount, 0); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"address": addr.String()})
}

func (s *Server) unstake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := core.StringToAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v, ok := s.node.Consensus.GetValidator(addr)
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrUnknownValidator)
		return
	}
	if v.StakeAmount < req.Amount {
		writeError(w, http.StatusBadRequest, core.ErrInsufficientStake)
		return
	}
	if err := s.node.Consensus.UpdateStake(addr, v.StakeAmount-req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"address": addr.String()})
}

type reportContributionRequest struct {
	Address string `json:"address"`
	Score   uint64 `json:"score"`
}

func (s *Server) reportContribution(w http.ResponseWriter, r *http.Request) {
	var req reportContributionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := core.StringToAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.Consensus.RecordContribution(addr, req.Score); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"address": addr.String()})
}
