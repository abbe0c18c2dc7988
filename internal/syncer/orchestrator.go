// Package syncer drives hub to branch synchronization: catalog pushes,
// branch-initiated pulls, retry of failed transactions and branch health.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"retail-hub/internal/apperr"
	"retail-hub/internal/ingest"
	"retail-hub/internal/ledger"
	"retail-hub/internal/metrics"
	"retail-hub/internal/models"
	"retail-hub/internal/synclog"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const maxRetryLimit = 500

type Options struct {
	PushConcurrency int
	Cooldown        time.Duration
	RetryLimit      int
}

type Orchestrator struct {
	db       *gorm.DB
	logs     *synclog.Service
	pipeline *ingest.Pipeline
	ledger   *ledger.Ledger
	client   *BranchClient
	metrics  *metrics.Metrics
	log      *zap.Logger
	opts     Options

	requests sync.Map // "branch:type" -> *sync.Mutex
}

func New(
	db *gorm.DB,
	logs *synclog.Service,
	pipeline *ingest.Pipeline,
	l *ledger.Ledger,
	client *BranchClient,
	m *metrics.Metrics,
	log *zap.Logger,
	opts Options,
) *Orchestrator {
	if opts.PushConcurrency <= 0 {
		opts.PushConcurrency = 4
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 50
	}
	return &Orchestrator{
		db:       db,
		logs:     logs,
		pipeline: pipeline,
		ledger:   l,
		client:   client,
		metrics:  m,
		log:      log.Named("syncer"),
		opts:     opts,
	}
}

// lockRequest serializes the cooldown check and log open of pulls for one
// (branch, type) within this process. release is safe to call twice.
func (o *Orchestrator) lockRequest(branchID uint, t models.SyncType) (release func()) {
	v, _ := o.requests.LoadOrStore(fmt.Sprintf("%d:%s", branchID, t), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	var once sync.Once
	return func() { once.Do(mu.Unlock) }
}

// PriceItem is the slim catalog record sent for pricing syncs.
type PriceItem struct {
	ProductID string          `json:"product_id"`
	SKU       *string         `json:"sku"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	IsActive  bool            `json:"is_active"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Envelope is the body delivered to a branch's receive endpoint.
type Envelope struct {
	SyncID      string           `json:"sync_id"`
	SyncType    models.SyncType  `json:"sync_type"`
	Since       *time.Time       `json:"since,omitempty"`
	Full        bool             `json:"full"`
	GeneratedAt time.Time        `json:"generated_at"`
	Products    []models.Product `json:"products,omitempty"`
	Prices      []PriceItem      `json:"prices,omitempty"`
}

type PushInput struct {
	BranchID uint
	Type     models.SyncType
	Since    *time.Time
	Full     bool
}

type PushResult struct {
	BranchID   uint   `json:"branch_id"`
	BranchCode string `json:"branch_code"`
	SyncID     string `json:"sync_id,omitempty"`
	Status     string `json:"status"`
	Records    int    `json:"records"`
	Error      string `json:"error,omitempty"`
}

func catalogType(t models.SyncType) error {
	if t != models.SyncProducts && t != models.SyncPricing {
		return apperr.Validation("push supports products or pricing").WithDetail("sync_type", string(t))
	}
	return nil
}

func (o *Orchestrator) loadBranch(ctx context.Context, id uint) (*models.Branch, error) {
	var b models.Branch
	err := o.db.WithContext(ctx).First(&b, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("branch")
	}
	if err != nil {
		return nil, apperr.Internal("").Wrap(err)
	}
	return &b, nil
}

// watermark returns the explicit since, or the start of the last completed
// sync of this type in dir. Nil means everything.
func (o *Orchestrator) watermark(ctx context.Context, branchID uint, t models.SyncType, dir models.SyncDirection, since *time.Time, full bool) (*time.Time, error) {
	if full {
		return nil, nil
	}
	if since != nil {
		s := since.UTC()
		return &s, nil
	}
	last, err := o.logs.LastCompleted(ctx, branchID, t, dir)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	s := last.StartedAt.UTC()
	return &s, nil
}

// changedProducts includes deactivated products so branches learn about them.
func (o *Orchestrator) changedProducts(ctx context.Context, since *time.Time) ([]models.Product, error) {
	q := o.db.WithContext(ctx).Model(&models.Product{})
	if since != nil {
		q = q.Where("updated_at > ?", since.UTC())
	}
	var rows []models.Product
	if err := q.Order("updated_at, id").Find(&rows).Error; err != nil {
		return nil, apperr.Internal("could not load catalog changes").Wrap(err)
	}
	return rows, nil
}

func toPrices(products []models.Product) []PriceItem {
	out := make([]PriceItem, len(products))
	for i, p := range products {
		out[i] = PriceItem{
			ProductID: p.ID,
			SKU:       p.SKU,
			Price:     p.Price,
			CostPrice: p.CostPrice,
			TaxRate:   p.TaxRate,
			IsActive:  p.IsActive,
			UpdatedAt: p.UpdatedAt,
		}
	}
	return out
}

// Push sends catalog changes to one branch. A delivery failure closes the
// sync log as failed and returns SYNC_FAILED; retrying is up to the caller.
func (o *Orchestrator) Push(ctx context.Context, in PushInput) (*PushResult, error) {
	if err := catalogType(in.Type); err != nil {
		return nil, err
	}
	branch, err := o.loadBranch(ctx, in.BranchID)
	if err != nil {
		return nil, err
	}
	if !branch.IsActive {
		return nil, apperr.Validation("branch is deactivated").WithDetail("branch", branch.Code)
	}
	if branch.APIEndpoint == "" {
		return nil, apperr.Validation("branch has no api endpoint").WithDetail("branch", branch.Code)
	}

	since, err := o.watermark(ctx, branch.ID, in.Type, models.ToBranch, in.Since, in.Full)
	if err != nil {
		return nil, err
	}

	res := &PushResult{BranchID: branch.ID, BranchCode: branch.Code}
	entry, err := o.logs.Run(ctx, synclog.OpenInput{
		BranchID:  branch.ID,
		Type:      in.Type,
		Direction: models.ToBranch,
		Forced:    in.Full,
	}, func(ctx context.Context, entry *models.SyncLog) (synclog.Outcome, error) {
		products, err := o.changedProducts(ctx, since)
		if err != nil {
			return synclog.Outcome{}, err
		}
		res.Records = len(products)
		if err := o.logs.SetExpected(ctx, entry.ID, len(products)); err != nil {
			return synclog.Outcome{}, err
		}

		body := Envelope{
			SyncID:      entry.ID,
			SyncType:    in.Type,
			Since:       since,
			Full:        in.Full,
			GeneratedAt: time.Now().UTC(),
		}
		if in.Type == models.SyncPricing {
			body.Prices = toPrices(products)
		} else {
			body.Products = products
		}

		start := time.Now()
		if err := o.client.Deliver(ctx, *branch, body); err != nil {
			o.metrics.ObservePush(string(in.Type), "failed", time.Since(start))
			return synclog.Outcome{Failed: len(products)}, apperr.SyncFailed("branch delivery failed").
				WithDetail("branch", branch.Code).
				Wrap(err)
		}
		o.metrics.ObservePush(string(in.Type), "ok", time.Since(start))
		return synclog.Outcome{Processed: len(products)}, nil
	})
	if entry != nil {
		res.SyncID = entry.ID
		res.Status = string(entry.Status)
	}
	if err != nil {
		o.log.Warn("push failed",
			zap.String("branch", branch.Code),
			zap.String("sync_type", string(in.Type)),
			zap.Error(err),
		)
		appErr := apperr.From(err)
		if res.SyncID != "" {
			appErr = appErr.WithDetail("sync_id", res.SyncID)
		}
		return res, appErr
	}

	o.log.Info("push completed",
		zap.String("branch", branch.Code),
		zap.String("sync_type", string(in.Type)),
		zap.Int("records", res.Records),
	)
	return res, nil
}

// PushAll pushes to every active branch with an endpoint, a bounded number at
// a time. Branches never affect each other; each gets its own result.
func (o *Orchestrator) PushAll(ctx context.Context, t models.SyncType, since *time.Time, full bool) ([]PushResult, error) {
	if err := catalogType(t); err != nil {
		return nil, err
	}

	var branches []models.Branch
	err := o.db.WithContext(ctx).
		Where("is_active = ? AND api_endpoint <> ''", true).
		Order("code").
		Find(&branches).Error
	if err != nil {
		return nil, apperr.Internal("could not list branches").Wrap(err)
	}

	results := make([]PushResult, len(branches))
	var g errgroup.Group
	g.SetLimit(o.opts.PushConcurrency)
	for i, b := range branches {
		g.Go(func() error {
			res, err := o.Push(ctx, PushInput{BranchID: b.ID, Type: t, Since: since, Full: full})
			if res == nil {
				res = &PushResult{BranchID: b.ID, BranchCode: b.Code, Status: string(models.SyncFailed)}
			}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Failed reports whether any branch push did not complete.
func Failed(results []PushResult) bool {
	for _, r := range results {
		if r.Error != "" || r.Status != string(models.SyncCompleted) {
			return true
		}
	}
	return false
}
