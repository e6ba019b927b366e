package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/core/settlement"
	"github.com/hiveroute/hived/internal/storage"
)

// CreditView is the read surface of the credit ledger the RPC layer needs.
type CreditView interface {
	Members() []*hive.Member
	Bond(id hive.PeerID) (*hive.Bond, bool)
	EffectiveMinimum(tier hive.CreditTier) int64
}

func (s *Server) registerMethods() {
	s.registry.Register("settlement_calculate", s.handleCalculate)
	s.registry.Register("settlement_execute", s.handleExecute)
	s.registry.Register("settlement_history", s.handleHistory)
	s.registry.Register("settlement_period", s.handlePeriod)
	s.registry.Register("settlement_generate_offer", s.handleGenerateOffer)
	s.registry.Register("settlement_list_offers", s.handleListOffers)
	s.registry.Register("hive_members", s.handleMembers)
	s.registry.Register("dispute_list", s.handleDisputeList)
	s.registry.Register("dispute_case", s.handleDisputeCase)
}

type periodParams struct {
	PeriodID string `json:"period_id"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// resolvePeriod defaults to the current window when no id was given.
func resolvePeriod(p periodParams) hive.PeriodID {
	if p.PeriodID != "" {
		return hive.PeriodID(p.PeriodID)
	}
	return hive.PeriodIDFor(time.Now())
}

// handleCalculate triggers the fair-share calculation. With dry_run it
// derives balances and payments without freezing or persisting anything.
func (s *Server) handleCalculate(ctx context.Context, raw json.RawMessage) (interface{}, *Error) {
	var p periodParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, errInvalidParams(err)
	}
	id := resolvePeriod(p)

	if p.DryRun {
		balances, payments, err := s.services.Orchestrator.Preview(id)
		if err != nil {
			return nil, NewError("calcFailed", "dry-run calculation for %s: %v", id, err)
		}
		return map[string]interface{}{
			"period_id": id,
			"dry_run":   true,
			"balances":  balances,
			"payments":  payments,
		}, nil
	}

	period, err := s.services.Orchestrator.Calculate(ctx, id, time.Now())
	if err != nil {
		return nil, NewError("calcFailed", "calculating %s: %v", id, err)
	}
	s.services.Hub.Publish(Event{
		Type:     EventPeriodStatus,
		PeriodID: period.ID,
		Status:   string(period.Status),
	})
	return map[string]interface{}{"period": period}, nil
}

// handleExecute runs the approved legs of a ready period.
func (s *Server) handleExecute(ctx context.Context, raw json.RawMessage) (interface{}, *Error) {
	var p periodParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, errInvalidParams(err)
	}
	id := resolvePeriod(p)

	period, err := s.services.Orchestrator.Execute(ctx, id, p.DryRun, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrPeriodTerminal):
			return nil, NewError("periodTerminal", "period %s is already terminal", id)
		case errors.Is(err, settlement.ErrExecutionInProgress):
			return nil, NewError("executing", "period %s execution already in progress", id)
		default:
			return nil, NewError("execFailed", "executing %s: %v", id, err)
		}
	}

	if !p.DryRun {
		s.services.Hub.Publish(Event{
			Type:     EventPeriodStatus,
			PeriodID: period.ID,
			Status:   string(period.Status),
		})
		for _, leg := range period.Payments {
			s.services.Hub.Publish(Event{
				Type:     EventLegResult,
				PeriodID: period.ID,
				Leg:      &leg,
			})
		}
	}
	return map[string]interface{}{"period": period, "dry_run": p.DryRun}, nil
}

// handleHistory lists all locally persisted periods.
func (s *Server) handleHistory(ctx context.Context, _ json.RawMessage) (interface{}, *Error) {
	periods, err := s.services.Orchestrator.History(ctx)
	if err != nil {
		return nil, NewError("historyFailed", "listing periods: %v", err)
	}
	return map[string]interface{}{"periods": periods}, nil
}

// handlePeriod returns one period with its frozen snapshot and journal.
func (s *Server) handlePeriod(ctx context.Context, raw json.RawMessage) (interface{}, *Error) {
	var p periodParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, errInvalidParams(err)
	}
	id := resolvePeriod(p)

	period, err := s.services.Orchestrator.Period(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, NewError("periodNotFound", "no period %s", id)
		}
		return nil, NewError("periodFailed", "loading %s: %v", id, err)
	}

	result := map[string]interface{}{"period": period}

	if snapshot, err := s.services.Store.GetSnapshot(ctx, id); err == nil {
		result["snapshot"] = snapshot
	}
	if journal, err := s.services.Store.Journal(ctx, id); err == nil {
		result["journal"] = journal
	}
	return result, nil
}

type offerParams struct {
	Reference string `json:"reference,omitempty"`
}

// handleGenerateOffer registers (and returns) the local node's settlement
// payment offer. The daemon gossips it to the fleet.
func (s *Server) handleGenerateOffer(_ context.Context, raw json.RawMessage) (interface{}, *Error) {
	var p offerParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, errInvalidParams(err)
	}

	reference := p.Reference
	if reference == "" {
		reference = fmt.Sprintf("offer-%s", uuid.NewString())
	}
	local := hive.PeerID(s.services.LocalID)
	s.services.Offers.Register(local, reference, time.Now())

	offer, _ := s.services.Offers.OfferFor(local)
	return map[string]interface{}{"offer": offer}, nil
}

// handleListOffers returns every registered payment offer.
func (s *Server) handleListOffers(_ context.Context, _ json.RawMessage) (interface{}, *Error) {
	return map[string]interface{}{"offers": s.services.Offers.List()}, nil
}

// handleMembers returns the credit ledger's member view with bonds.
func (s *Server) handleMembers(_ context.Context, _ json.RawMessage) (interface{}, *Error) {
	members := s.services.Credit.Members()
	bonds := make(map[string]*hive.Bond, len(members))
	for _, m := range members {
		if b, ok := s.services.Credit.Bond(m.PeerID); ok {
			bonds[string(m.PeerID)] = b
		}
	}
	return map[string]interface{}{"members": members, "bonds": bonds}, nil
}

// handleDisputeList returns pending dispute cases.
func (s *Server) handleDisputeList(_ context.Context, _ json.RawMessage) (interface{}, *Error) {
	return map[string]interface{}{"cases": s.services.Arbitrator.Pending()}, nil
}

type caseParams struct {
	CaseID string `json:"case_id"`
}

// handleDisputeCase returns one dispute case by id.
func (s *Server) handleDisputeCase(_ context.Context, raw json.RawMessage) (interface{}, *Error) {
	var p caseParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, errInvalidParams(err)
	}
	c, ok := s.services.Arbitrator.Case(p.CaseID)
	if !ok {
		return nil, NewError("caseNotFound", "no dispute case %s", p.CaseID)
	}
	return map[string]interface{}{"case": c}, nil
}
