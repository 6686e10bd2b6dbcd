package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/access"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/audit"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/events"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/pricing"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/repository"
)

const (
	trackingPrefix      = "LS"
	trackingAttempts    = 5
	seedStatusMessage   = "Shipment created and pending pickup."
	DefaultActivityRows = 5
	MaxActivityRows     = 100

	// weightScale matches the weight_kg column, so the price is computed from
	// the weight that is actually stored.
	weightScale = 3
)

type ShipmentOptions struct {
	// StrictTransitions rejects status changes the lifecycle does not allow,
	// e.g. leaving delivered.
	StrictTransitions bool
	Emitter           Emitter
	Auditor           Auditor
}

// ShipmentService is the only writer of shipments and their history.
type ShipmentService struct {
	repo    repository.ShipmentRepository
	engine  *pricing.Engine
	emitter Emitter
	auditor Auditor
	strict  bool
	logger  *zap.Logger

	now               func() time.Time
	newID             func() string
	newTrackingNumber func() (string, error)
}

func NewShipmentService(repo repository.ShipmentRepository, engine *pricing.Engine, opts ShipmentOptions, logger *zap.Logger) *ShipmentService {
	s := &ShipmentService{
		repo:              repo,
		engine:            engine,
		emitter:           opts.Emitter,
		auditor:           opts.Auditor,
		strict:            opts.StrictTransitions,
		logger:            logger,
		now:               func() time.Time { return time.Now().UTC() },
		newID:             uuid.NewString,
		newTrackingNumber: GenerateTrackingNumber,
	}
	if s.emitter == nil {
		s.emitter = nopEmitter{}
	}
	if s.auditor == nil {
		s.auditor = nopAuditor{}
	}
	return s
}

// GenerateTrackingNumber returns "LS" followed by ten digits, the first of
// which is never zero.
func GenerateTrackingNumber() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9_000_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d", trackingPrefix, n.Int64()+1_000_000_000), nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func validateDraft(d models.ShipmentDraft) error {
	if blank(d.ClientID) {
		return apperrors.Validation("A client must be selected for the shipment.")
	}
	if blank(d.OriginAddress) || blank(d.DestinationAddress) || !d.WeightKg.Set || blank(d.ServiceType) {
		return apperrors.Validation("All shipment details are required.")
	}
	if blank(d.SenderName) || blank(d.SenderPhone) || blank(d.ReceiverName) || blank(d.ReceiverPhone) {
		return apperrors.Validation("Sender and Receiver name and phone are required.")
	}
	if d.WeightKg.Value.IsNegative() {
		return apperrors.Validation("weight_kg must not be negative")
	}
	if d.CODAmount.IsNegative() {
		return apperrors.Validation("cod_amount must not be negative")
	}
	return nil
}

// validateMerged checks a shipment after a patch has been applied.
func validateMerged(s models.Shipment) error {
	if blank(s.OriginAddress) || blank(s.DestinationAddress) || blank(s.ServiceType) {
		return apperrors.Validation("All shipment details are required.")
	}
	if blank(s.SenderName) || blank(s.SenderPhone) || blank(s.ReceiverName) || blank(s.ReceiverPhone) {
		return apperrors.Validation("Sender and Receiver name and phone are required.")
	}
	if s.WeightKg.IsNegative() {
		return apperrors.Validation("weight_kg must not be negative")
	}
	if s.CODAmount.IsNegative() {
		return apperrors.Validation("cod_amount must not be negative")
	}
	return nil
}

func codAmount(isCOD bool, amount decimal.Decimal) models.Money {
	if !isCOD {
		return models.NewMoney(decimal.Zero)
	}
	return models.NewMoney(amount)
}

// Create registers a new pending shipment together with its seed ledger entry.
func (s *ShipmentService) Create(ctx context.Context, caller access.Caller, d models.ShipmentDraft) (*models.Shipment, error) {
	if err := access.Require(caller, access.StaffOrAdmin...); err != nil {
		return nil, err
	}
	if err := validateDraft(d); err != nil {
		return nil, err
	}

	weight := d.WeightKg.Value.Round(weightScale)
	now := s.now()
	sh := &models.Shipment{
		ID:                 s.newID(),
		ClientID:           strings.TrimSpace(d.ClientID),
		OriginAddress:      d.OriginAddress,
		DestinationAddress: d.DestinationAddress,
		SenderName:         d.SenderName,
		SenderPhone:        d.SenderPhone,
		ReceiverName:       d.ReceiverName,
		ReceiverPhone:      d.ReceiverPhone,
		WeightKg:           weight,
		ServiceType:        d.ServiceType,
		Price:              s.engine.Price(weight, d.ServiceType),
		Status:             models.StatusPending,
		EstimatedDelivery:  d.EstimatedDelivery,
		IsCOD:              d.IsCOD,
		CODAmount:          codAmount(d.IsCOD, d.CODAmount),
		CreatedAt:          now,
	}

	var lastErr error
	for attempt := 0; attempt < trackingAttempts; attempt++ {
		tn, err := s.newTrackingNumber()
		if err != nil {
			return nil, apperrors.Storage("generate tracking number", err)
		}
		sh.TrackingNumber = tn
		seed := &models.HistoryUpdate{
			Location:     sh.OriginAddress,
			StatusUpdate: seedStatusMessage,
			Timestamp:    now,
		}
		err = s.repo.CreateShipment(ctx, sh, seed)
		if err == nil {
			s.logger.Info("shipment created",
				zap.String("shipment_id", sh.ID), zap.String("tracking_number", sh.TrackingNumber))
			return sh, nil
		}
		if !errors.Is(err, repository.ErrTrackingNumberTaken) {
			return nil, err
		}
		lastErr = err
		s.logger.Warn("tracking number collision, regenerating", zap.String("tracking_number", tn))
	}
	return nil, apperrors.Storage("assign tracking number", lastErr)
}

// Update applies a partial update. A patch carrying both location and status
// message also appends a ledger entry and broadcasts the new snapshot.
func (s *ShipmentService) Update(ctx context.Context, caller access.Caller, id string, p models.ShipmentPatch) (*models.Shipment, error) {
	if err := access.Require(caller, access.StaffOrAdmin...); err != nil {
		return nil, err
	}
	if p.Status.Set && !p.Status.Value.Valid() {
		return nil, apperrors.Validation("invalid status %q", p.Status.Value)
	}

	cur, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, shipmentNotFound(err)
	}

	next := p.Apply(*cur)
	next.WeightKg = next.WeightKg.Round(weightScale)
	if err := validateMerged(next); err != nil {
		return nil, err
	}
	if s.strict && !cur.Status.CanTransition(next.Status) {
		return nil, apperrors.Validation("cannot change status from %s to %s", cur.Status, next.Status)
	}
	if p.RepricingNeeded() {
		next.Price = s.engine.Price(next.WeightKg, next.ServiceType)
	}
	next.CODAmount = codAmount(next.IsCOD, next.CODAmount.Decimal)

	var entry *models.HistoryUpdate
	if p.Narrated() {
		entry = &models.HistoryUpdate{
			Location:     strings.TrimSpace(p.Location.Value),
			StatusUpdate: strings.TrimSpace(p.StatusUpdateMessage.Value),
			Timestamp:    s.now(),
		}
	}
	if err := s.repo.UpdateShipment(ctx, &next, entry); err != nil {
		return nil, shipmentNotFound(err)
	}

	if cur.Status != next.Status {
		s.auditor.Log(audit.AuditLog{
			Timestamp:  s.now(),
			ShipmentID: next.ID,
			OldStatus:  string(cur.Status),
			NewStatus:  string(next.Status),
			Message:    fmt.Sprintf("status changed from %s to %s by %s", cur.Status, next.Status, caller.ID),
		})
	}

	if entry != nil {
		s.broadcast(ctx, next)
	}
	return &next, nil
}

// broadcast reloads the history and emits the snapshot. The update is already
// committed, so failures here are only logged.
func (s *ShipmentService) broadcast(ctx context.Context, sh models.Shipment) {
	history, err := s.repo.History(ctx, sh.ID)
	if err != nil {
		s.logger.Error("reloading history for broadcast failed",
			zap.String("shipment_id", sh.ID), zap.Error(err))
		return
	}
	s.emitter.Emit(ctx, events.ShipmentUpdated{
		TrackingNumber: sh.TrackingNumber,
		Snapshot:       models.TrackingSnapshot{Shipment: sh, History: history},
	})
}

func (s *ShipmentService) Delete(ctx context.Context, caller access.Caller, id string) error {
	if err := access.Require(caller, models.RoleAdmin); err != nil {
		return err
	}
	if err := s.repo.DeleteShipment(ctx, id); err != nil {
		return shipmentNotFound(err)
	}
	s.logger.Info("shipment deleted", zap.String("shipment_id", id), zap.String("by", caller.ID))
	return nil
}

func (s *ShipmentService) Get(ctx context.Context, caller access.Caller, id string) (*models.Shipment, error) {
	if err := access.Require(caller, access.StaffOrAdmin...); err != nil {
		return nil, err
	}
	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, shipmentNotFound(err)
	}
	return sh, nil
}

func (s *ShipmentService) List(ctx context.Context, caller access.Caller) ([]models.Shipment, error) {
	if err := access.Require(caller, access.StaffOrAdmin...); err != nil {
		return nil, err
	}
	return s.repo.ListShipments(ctx)
}

// ListMine returns the shipments addressed to the caller.
func (s *ShipmentService) ListMine(ctx context.Context, caller access.Caller) ([]models.Shipment, error) {
	if err := access.Require(caller); err != nil {
		return nil, err
	}
	return s.repo.ListByClient(ctx, caller.ID)
}

func (s *ShipmentService) Stats(ctx context.Context, caller access.Caller) (models.Stats, error) {
	if err := access.Require(caller, access.StaffOrAdmin...); err != nil {
		return models.Stats{}, err
	}
	return s.repo.Stats(ctx)
}

// RecentActivity returns the latest ledger entries across all shipments.
// Non-positive limits fall back to DefaultActivityRows.
func (s *ShipmentService) RecentActivity(ctx context.Context, caller access.Caller, limit int) ([]models.Activity, error) {
	if err := access.Require(caller, access.StaffOrAdmin...); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultActivityRows
	}
	if limit > MaxActivityRows {
		limit = MaxActivityRows
	}
	return s.repo.RecentActivity(ctx, limit)
}

func shipmentNotFound(err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.NotFound("Shipment not found")
	}
	return err
}
