package procurement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-procure/internal/money"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// AuditPort is the write-only audit sink. Implementations never fail the caller.
type AuditPort interface {
	Created(ctx context.Context, actorID int64, entity string, id int64, extra map[string]any)
	Updated(ctx context.Context, actorID int64, entity string, id int64, before, after map[string]any)
}

// DispatchPort hands a persisted delivery to the outbound transport.
type DispatchPort interface {
	DispatchDelivery(ctx context.Context, deliveryID, poID int64) error
}

// IdempotencyPort guards client retries of non-idempotent requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// MetricsPort records state machine transitions.
type MetricsPort interface {
	RecordTransition(machine, to string)
}

// ServiceConfig carries the collaborators of Service. Only Repo is required.
type ServiceConfig struct {
	Repo        RepositoryPort
	Audit       AuditPort
	Dispatcher  DispatchPort
	Idempotency IdempotencyPort
	Currencies  money.MinorUnitSource
	Metrics     MetricsPort
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Service orchestrates the purchase order lifecycle.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	dispatcher  DispatchPort
	idempotency IdempotencyPort
	currencies  money.MinorUnitSource
	metrics     MetricsPort
	numbers     *NumberGenerator
	logger      *slog.Logger
	clock       func() time.Time
}

// NewService constructs procurement service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		repo:        cfg.Repo,
		audit:       cfg.Audit,
		dispatcher:  cfg.Dispatcher,
		idempotency: cfg.Idempotency,
		currencies:  cfg.Currencies,
		metrics:     cfg.Metrics,
		numbers:     NewNumberGenerator(),
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}
	if s.currencies == nil {
		s.currencies = money.StandardMinorUnits{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) transition(machine, to string) {
	if s.metrics != nil {
		s.metrics.RecordTransition(machine, to)
	}
}

type auditEntry struct {
	created bool
	actorID int64
	entity  string
	id      int64
	before  map[string]any
	after   map[string]any
}

// auditBatch buffers audit entries and transition counts until the
// surrounding transaction commits.
type auditBatch struct {
	entries     []auditEntry
	transitions [][2]string
}

func (b *auditBatch) transition(machine, to string) {
	b.transitions = append(b.transitions, [2]string{machine, to})
}

func (b *auditBatch) created(actor *shared.Actor, entity string, id int64, extra map[string]any) {
	b.entries = append(b.entries, auditEntry{created: true, actorID: shared.IDOf(actor), entity: entity, id: id, after: extra})
}

func (b *auditBatch) updated(actor *shared.Actor, entity string, id int64, before, after map[string]any) {
	b.entries = append(b.entries, auditEntry{actorID: shared.IDOf(actor), entity: entity, id: id, before: before, after: after})
}

func (s *Service) flushAudit(ctx context.Context, b *auditBatch) {
	for _, t := range b.transitions {
		s.transition(t[0], t[1])
	}
	if s.audit == nil {
		return
	}
	for _, e := range b.entries {
		if e.created {
			s.audit.Created(ctx, e.actorID, e.entity, e.id, e.after)
			continue
		}
		s.audit.Updated(ctx, e.actorID, e.entity, e.id, e.before, e.after)
	}
}

// mutate runs fn in one transaction and flushes the audit entries it buffered on success.
func (s *Service) mutate(ctx context.Context, fn func(context.Context, TxRepository, *auditBatch) error) error {
	batch := &auditBatch{}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return fn(ctx, tx, batch)
	})
	if err != nil {
		return err
	}
	s.flushAudit(ctx, batch)
	return nil
}

// guardBuyer rejects actors that may not mutate po on behalf of the buying company.
func guardBuyer(actor *shared.Actor, companyID int64) error {
	if actor == nil {
		return nil
	}
	if actor.Kind == shared.ActorSupplier {
		return unauthorized()
	}
	if actor.CompanyID != 0 && actor.CompanyID != companyID {
		return unauthorized()
	}
	return nil
}

type supplierReader interface {
	SupplierCompanyID(ctx context.Context, supplierID int64) (int64, error)
	GetQuote(ctx context.Context, id int64) (Quote, error)
}

// resolveSupplierCompany returns the company acting as supplier for po, using
// the order's supplier and falling back to the supplier of its quote. Zero
// means the supplier company could not be resolved.
func resolveSupplierCompany(ctx context.Context, r supplierReader, po PurchaseOrder) (int64, error) {
	if po.SupplierID != nil {
		companyID, err := r.SupplierCompanyID(ctx, *po.SupplierID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		if companyID != 0 {
			return companyID, nil
		}
	}
	if po.QuoteID == nil {
		return 0, nil
	}
	quote, err := r.GetQuote(ctx, *po.QuoteID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	companyID, err := r.SupplierCompanyID(ctx, quote.SupplierID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return companyID, nil
}

func poSnapshot(po PurchaseOrder) map[string]any {
	return map[string]any{
		"status":          string(po.Status),
		"ack_status":      string(po.AckStatus),
		"supplier_id":     derefID(po.SupplierID),
		"subtotal_minor":  po.SubtotalMinor,
		"tax_total_minor": po.TaxTotalMinor,
		"total_minor":     po.TotalMinor,
	}
}

func derefID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func int64Ptr(v int64) *int64 {
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
