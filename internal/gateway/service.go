package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/chainmeter/chainmeter/internal/circuitbreaker"
	"github.com/chainmeter/chainmeter/internal/grants"
	"github.com/chainmeter/chainmeter/internal/idgen"
	"github.com/chainmeter/chainmeter/internal/listings"
	"github.com/chainmeter/chainmeter/internal/logging"
	"github.com/chainmeter/chainmeter/internal/metrics"
	"github.com/chainmeter/chainmeter/internal/traces"
	"github.com/chainmeter/chainmeter/internal/usdc"
	"github.com/chainmeter/chainmeter/internal/vault"
)

// Usage is one usage attestation handed to the settlement queue.
type Usage struct {
	RecordID  string
	GrantID   string
	ListingID string
	Calls     uint64
	CostRaw   *big.Int
}

// Settler accepts usage attestations for asynchronous on-chain logging.
// EnqueueUsage must not block the caller.
type Settler interface {
	EnqueueUsage(usage Usage)
}

// CallRequest is one brokered call as presented by the buyer.
type CallRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   []byte `json:"body,omitempty"`
}

// CallResult is the normalized outcome returned to the buyer.
type CallResult struct {
	RecordID   string `json:"recordId"`
	StatusCode int    `json:"statusCode"`
	Body       []byte `json:"body"`
	LatencyMs  int64  `json:"latencyMs"`
	Cost       string `json:"cost"`
	Remaining  int64  `json:"remainingQuota"`
}

// Service brokers calls: it validates the grant, spends quota, resolves the
// upstream credential, forwards, records the call, and queues settlement.
type Service struct {
	validator *grants.Validator
	grants    grants.Store
	listings  listings.Store
	vault     *vault.Vault
	forwarder *Forwarder
	breaker   *circuitbreaker.Breaker
	records   RecordStore
	settler   Settler
}

// NewService wires the call pipeline.
func NewService(
	validator *grants.Validator,
	grantStore grants.Store,
	listingStore listings.Store,
	credVault *vault.Vault,
	forwarder *Forwarder,
	breaker *circuitbreaker.Breaker,
	records RecordStore,
	settler Settler,
) *Service {
	return &Service{
		validator: validator,
		grants:    grantStore,
		listings:  listingStore,
		vault:     credVault,
		forwarder: forwarder,
		breaker:   breaker,
		records:   records,
		settler:   settler,
	}
}

// Call executes one brokered call end to end.
//
// Quota is consumed before the upstream request and is not refunded on
// upstream failure: the broker's cost (credential use, upstream load) is
// incurred either way. The buyer's response never waits on chain work.
func (s *Service) Call(ctx context.Context, accessKey string, req CallRequest) (*CallResult, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Call")
	defer span.End()

	grant, err := s.validator.Validate(ctx, accessKey)
	if err != nil {
		if errors.Is(err, grants.ErrQuotaExhausted) {
			metrics.QuotaExhaustedTotal.Inc()
		}
		return nil, err
	}
	span.SetAttributes(traces.GrantID(grant.ID), traces.ListingID(grant.ListingID))

	listing, err := s.listings.Get(ctx, grant.ListingID)
	if err != nil {
		return nil, err
	}
	if !listing.Active {
		return nil, listings.ErrListingInactive
	}

	// Spend quota first. Consume may still lose the race with another
	// request for the last unit even after Validate passed.
	if err := s.grants.Consume(ctx, grant.ID); err != nil {
		if errors.Is(err, grants.ErrQuotaExhausted) {
			metrics.QuotaExhaustedTotal.Inc()
		}
		return nil, err
	}
	remaining := grant.RemainingQuota() - 1
	if remaining < 0 {
		remaining = 0
	}

	credential, err := s.vault.Resolve(ctx, listing.ID)
	if err != nil {
		// Quota is already spent; record the failed call so the usage
		// ledger and the quota ledger agree.
		s.recordCall(ctx, grant, listing, req, 0, 0)
		metrics.APICallsTotal.WithLabelValues(listing.ID, "credential_error").Inc()
		return nil, err
	}

	fwdResp, fwdErr := s.forward(ctx, listing, req, credential)

	statusCode := 0
	latency := int64(0)
	var respBody []byte
	if fwdResp != nil {
		statusCode = fwdResp.StatusCode
		latency = fwdResp.LatencyMs
		respBody = fwdResp.Body
	}

	record := s.recordCall(ctx, grant, listing, req, statusCode, latency)

	if fwdErr != nil {
		metrics.APICallsTotal.WithLabelValues(listing.ID, "upstream_error").Inc()
		return nil, fwdErr
	}

	metrics.APICallsTotal.WithLabelValues(listing.ID, "ok").Inc()
	metrics.UpstreamDuration.WithLabelValues(listing.ID).Observe(float64(latency) / 1000.0)

	return &CallResult{
		RecordID:   record.ID,
		StatusCode: statusCode,
		Body:       respBody,
		LatencyMs:  latency,
		Cost:       listing.PricePerCall,
		Remaining:  remaining,
	}, nil
}

// forward runs the upstream request behind the listing's circuit breaker.
func (s *Service) forward(ctx context.Context, listing *listings.Listing, req CallRequest, credential string) (*ForwardResponse, error) {
	if s.breaker != nil && !s.breaker.Allow(listing.ID) {
		return nil, fmt.Errorf("%w: circuit open for listing %s", ErrUpstreamUnreachable, listing.ID)
	}

	resp, err := s.forwarder.Forward(ctx, ForwardRequest{
		BaseURL:    listing.BaseURL,
		Method:     req.Method,
		Path:       req.Path,
		Body:       req.Body,
		Credential: credential,
	})

	if s.breaker != nil {
		if err != nil {
			s.breaker.RecordFailure(listing.ID)
		} else {
			s.breaker.RecordSuccess(listing.ID)
		}
	}
	return resp, err
}

// recordCall persists the CallRecord and hands the usage to the settlement
// queue. Record creation always precedes enqueue so the settlement worker
// never sees a usage item without its record.
func (s *Service) recordCall(ctx context.Context, grant *grants.Grant, listing *listings.Listing, req CallRequest, statusCode int, latency int64) *CallRecord {
	costRaw, err := usdc.Parse(listing.PricePerCall)
	if err != nil {
		logging.L(ctx).Error("parse listing price", "error", err, "listing", listing.ID)
		costRaw = big.NewInt(0)
	}

	record := &CallRecord{
		ID:          idgen.WithPrefix("call_"),
		GrantID:     grant.ID,
		BuyerAddr:   grant.BuyerAddr,
		ListingID:   listing.ID,
		Method:      req.Method,
		Path:        req.Path,
		StatusCode:  statusCode,
		LatencyMs:   latency,
		Cost:        usdc.Format(costRaw),
		ChainStatus: ChainPending,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.records.Create(ctx, record); err != nil {
		// The call already happened; losing the record is log-worthy but
		// must not fail the buyer's response.
		logging.L(ctx).Error("create call record", "error", err, "grant", grant.ID)
		return record
	}

	if s.settler != nil {
		s.settler.EnqueueUsage(Usage{
			RecordID:  record.ID,
			GrantID:   grant.ID,
			ListingID: listing.ID,
			Calls:     1,
			CostRaw:   costRaw,
		})
	}
	return record
}

// Grant returns the grant for a presented access key, for read endpoints.
// Exhausted and expired grants are still readable by their owner.
func (s *Service) Grant(ctx context.Context, accessKey string) (*grants.Grant, error) {
	return s.lookupGrant(ctx, accessKey)
}

// Calls returns recent call records for a presented access key.
func (s *Service) Calls(ctx context.Context, accessKey string, limit int) ([]*CallRecord, error) {
	grant, err := s.lookupGrant(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	return s.records.ListByGrant(ctx, grant.ID, limit)
}

// lookupGrant resolves an access key without enforcing quota: exhausted
// buyers can still read their own history.
func (s *Service) lookupGrant(ctx context.Context, accessKey string) (*grants.Grant, error) {
	grant, err := s.validator.Validate(ctx, accessKey)
	if err == nil {
		return grant, nil
	}
	if errors.Is(err, grants.ErrQuotaExhausted) || errors.Is(err, grants.ErrGrantExpired) {
		return s.grants.GetByKeyHash(ctx, grants.HashKey(accessKey))
	}
	return nil, err
}
