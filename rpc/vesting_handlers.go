package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/jayteemoney/stacksvestor/crypto"
	"github.com/jayteemoney/stacksvestor/indexer"
	"github.com/jayteemoney/stacksvestor/native/vesting"
	"github.com/jayteemoney/stacksvestor/recon"
)

// EventLog is the read side of the event indexer: paged history plus a live
// feed of newly stored entries.
type EventLog interface {
	List(ctx context.Context, filter indexer.Filter) ([]indexer.Entry, error)
	Subscribe(buffer int) (<-chan indexer.Entry, func())
}

type addBeneficiaryParams struct {
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	UnlockHeight uint64 `json:"unlockHeight"`
}

type recipientParams struct {
	Recipient string `json:"recipient"`
}

type beneficiaryParams struct {
	Beneficiary string `json:"beneficiary"`
}

type transferAdminParams struct {
	NewAdmin string `json:"newAdmin"`
}

type setTokenParams struct {
	Token string `json:"token"`
}

type emergencyWithdrawParams struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type airdropParams struct {
	Entries []addBeneficiaryParams `json:"entries"`
}

type indexParams struct {
	Index uint64 `json:"index"`
}

type listEventsParams struct {
	Type        string `json:"type,omitempty"`
	Beneficiary string `json:"beneficiary,omitempty"`
	AfterID     uint64 `json:"afterId,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

type addressParams struct {
	Address string `json:"address"`
}

type vestingInfoResult struct {
	Beneficiary  string `json:"beneficiary"`
	Exists       bool   `json:"exists"`
	Amount       string `json:"amount,omitempty"`
	Claimed      bool   `json:"claimed"`
	Unlocked     bool   `json:"unlocked"`
	UnlockHeight uint64 `json:"unlockHeight,omitempty"`
	CreatedAt    uint64 `json:"createdAt,omitempty"`
}

type amountResult struct {
	Amount string `json:"amount"`
}

type airdropOutcomeJSON struct {
	Index     int    `json:"index"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type airdropResultJSON struct {
	Accepted    int                  `json:"accepted"`
	Skipped     int                  `json:"skipped"`
	Transferred string               `json:"transferred"`
	Locked      string               `json:"locked"`
	Surplus     string               `json:"surplus"`
	Outcomes    []airdropOutcomeJSON `json:"outcomes"`
}

type beneficiaryAtResult struct {
	Index       uint64 `json:"index"`
	Beneficiary string `json:"beneficiary"`
}

type tokenContractResult struct {
	Bound bool   `json:"bound"`
	Token string `json:"token,omitempty"`
}

type balanceResult struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
}

// decodeParams unmarshals the single object parameter into dst. When
// optional is set a missing parameter leaves dst untouched.
func decodeParams(req *RPCRequest, dst interface{}, optional bool) *RPCError {
	if len(req.Params) == 0 {
		if optional {
			return nil
		}
		return &RPCError{Code: codeInvalidParams, Message: "parameter object required"}
	}
	if len(req.Params) > 1 {
		return &RPCError{Code: codeInvalidParams, Message: "too many parameters"}
	}
	dec := json.NewDecoder(strings.NewReader(string(req.Params[0])))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid parameter object", Data: err.Error()}
	}
	return nil
}

func parseAddress(field, value string) ([20]byte, *RPCError) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("%s required", field)}
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid %s", field), Data: err.Error()}
	}
	return addr.Raw(), nil
}

// parseAmount accepts a non-negative base-10 integer string. Zero passes so
// the engine can report it with its own error kind.
func parseAmount(field, value string) (*big.Int, *RPCError) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("%s required", field)}
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid %s", field), Data: trimmed}
	}
	if amount.Sign() < 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("%s must not be negative", field), Data: trimmed}
	}
	return amount, nil
}

func invalidParams(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	writeError(w, http.StatusBadRequest, id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

func encodeAddress(addr [20]byte) string {
	return crypto.FromRaw(addr).String()
}

func (s *Server) handleAddBeneficiary(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params addBeneficiaryParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	recipient, rpcErr := parseAddress("recipient", params.Recipient)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	amount, rpcErr := parseAmount("amount", params.Amount)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	caller, _ := callerFrom(r.Context())
	if err := s.engine.AddBeneficiary(r.Context(), caller, s.token, recipient, amount, params.UnlockHeight); err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params struct{}
	if rpcErr := decodeParams(req, &params, true); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	caller, _ := callerFrom(r.Context())
	amount, err := s.engine.ClaimTokens(r.Context(), caller, s.token)
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amountResult{Amount: amount.String()})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params recipientParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	recipient, rpcErr := parseAddress("recipient", params.Recipient)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	caller, _ := callerFrom(r.Context())
	amount, err := s.engine.RevokeBeneficiary(r.Context(), caller, s.token, recipient)
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amountResult{Amount: amount.String()})
}

func (s *Server) handleTransferAdmin(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params transferAdminParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	newAdmin, rpcErr := parseAddress("newAdmin", params.NewAdmin)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	caller, _ := callerFrom(r.Context())
	if err := s.engine.TransferAdmin(r.Context(), caller, newAdmin); err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"admin": encodeAddress(newAdmin)})
}

func (s *Server) handleSetTokenContract(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params setTokenParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	token, rpcErr := parseAddress("token", params.Token)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	caller, _ := callerFrom(r.Context())
	if err := s.engine.SetTokenContract(r.Context(), caller, token); err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenContractResult{Bound: true, Token: encodeAddress(token)})
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params emergencyWithdrawParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	amount, rpcErr := parseAmount("amount", params.Amount)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	recipient, rpcErr := parseAddress("recipient", params.Recipient)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	caller, _ := callerFrom(r.Context())
	if err := s.engine.EmergencyWithdraw(r.Context(), caller, s.token, amount, recipient); err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amountResult{Amount: amount.String()})
}

func (s *Server) handleAirdrop(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params airdropParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	entries := make([]vesting.AirdropEntry, 0, len(params.Entries))
	for i, entry := range params.Entries {
		recipient, rpcErr := parseAddress(fmt.Sprintf("entries[%d].recipient", i), entry.Recipient)
		if rpcErr != nil {
			invalidParams(w, req.ID, rpcErr)
			return
		}
		amount, rpcErr := parseAmount(fmt.Sprintf("entries[%d].amount", i), entry.Amount)
		if rpcErr != nil {
			invalidParams(w, req.ID, rpcErr)
			return
		}
		entries = append(entries, vesting.AirdropEntry{Recipient: recipient, Amount: amount, UnlockHeight: entry.UnlockHeight})
	}
	caller, _ := callerFrom(r.Context())
	result, err := s.engine.AirdropTokens(r.Context(), caller, s.token, entries)
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	out := airdropResultJSON{
		Accepted:    result.Accepted,
		Skipped:     result.Skipped,
		Transferred: result.Transferred.String(),
		Locked:      result.Locked.String(),
		Surplus:     result.Surplus().String(),
		Outcomes:    make([]airdropOutcomeJSON, 0, len(result.Outcomes)),
	}
	for _, outcome := range result.Outcomes {
		item := airdropOutcomeJSON{
			Index:     outcome.Index,
			Recipient: encodeAddress(outcome.Recipient),
			Amount:    outcome.Amount.String(),
			Status:    outcome.Status.String(),
		}
		if outcome.Reason != nil {
			item.Reason = outcome.Reason.Error()
		}
		out.Outcomes = append(out.Outcomes, item)
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleGetVestingInfo(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params beneficiaryParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	beneficiary, rpcErr := parseAddress("beneficiary", params.Beneficiary)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	record, ok, err := s.engine.VestingInfo(beneficiary)
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	result := vestingInfoResult{Beneficiary: encodeAddress(beneficiary), Exists: ok}
	if ok {
		result.Amount = record.Amount.String()
		result.Claimed = record.Claimed
		result.Unlocked = record.Unlocked(s.engine.Height())
		result.UnlockHeight = record.UnlockHeight
		result.CreatedAt = record.CreatedAt
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleGetAdmin(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	admin, err := s.engine.Admin()
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, encodeAddress(admin))
}

func (s *Server) handleIsBeneficiary(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params beneficiaryParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	beneficiary, rpcErr := parseAddress("beneficiary", params.Beneficiary)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	ok, err := s.engine.IsBeneficiary(beneficiary)
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ok)
}

func (s *Server) handleGetTotalBeneficiaries(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	total, err := s.engine.TotalBeneficiaries()
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, total)
}

func (s *Server) handleGetTotalVestingAmount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	locked, err := s.engine.TotalLocked()
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amountResult{Amount: locked.String()})
}

func (s *Server) handleGetBeneficiaryAtIndex(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params indexParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	beneficiary, ok, err := s.engine.BeneficiaryAt(params.Index)
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeVestingNotFound, "no beneficiary at index", params.Index)
		return
	}
	writeResult(w, req.ID, beneficiaryAtResult{Index: params.Index, Beneficiary: encodeAddress(beneficiary)})
}

func (s *Server) handleGetTokenContract(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	token, ok, err := s.engine.TokenContract()
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	result := tokenContractResult{Bound: ok}
	if ok {
		result.Token = encodeAddress(token)
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listEventsParams
	if rpcErr := decodeParams(req, &params, true); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "event indexer disabled", nil)
		return
	}
	filter := indexer.Filter{
		Type:        params.Type,
		Beneficiary: params.Beneficiary,
		AfterID:     params.AfterID,
		Limit:       params.Limit,
	}
	entries, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, req.ID, codeInternalError, "failed to list events", err.Error())
		return
	}
	writeResult(w, req.ID, entries)
}

// handleReconcile compares vault custody with the grants it backs.
func (s *Server) handleReconcile(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	snap, err := s.engine.Snapshot(s.token.Balance)
	if err != nil {
		writeVestingError(w, req.ID, err)
		return
	}
	report := recon.Build(snap, s.engine.Self())
	if !report.Consistent || !report.Backed {
		s.logger.Warn("vesting reconciliation mismatch",
			"height", report.Height,
			"locked", report.Locked,
			"outstanding", report.Outstanding,
			"custody", report.Custody)
	}
	writeResult(w, req.ID, report)
}

func (s *Server) handleGetHeight(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, s.engine.Height())
}

func (s *Server) handleBankGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if rpcErr := decodeParams(req, &params, false); rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	addr, rpcErr := parseAddress("address", params.Address)
	if rpcErr != nil {
		invalidParams(w, req.ID, rpcErr)
		return
	}
	balance, err := s.token.Balance(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeInternalError, "failed to load balance", err.Error())
		return
	}
	writeResult(w, req.ID, balanceResult{Address: encodeAddress(addr), Symbol: s.token.Symbol(), Balance: balance.String()})
}
