package reports

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReconciliationSummary aggregates reconciliations of one day and branch.
type ReconciliationSummary struct {
	Date           string          `json:"date"`
	BranchId       *int            `json:"branch_id"`
	Count          int             `json:"count"`
	SystemSales    decimal.Decimal `json:"system_sales"`
	TotalCash      decimal.Decimal `json:"total_cash"`
	TotalBank      decimal.Decimal `json:"total_bank"`
	TotalReceipts  decimal.Decimal `json:"total_receipts"`
	SurplusDeficit decimal.Decimal `json:"surplus_deficit"`
	Completed      int             `json:"completed"`
}

func GetReconciliationSummary(ctx context.Context, db *gorm.DB, fromDate time.Time, toDate time.Time) ([]*ReconciliationSummary, error) {
	started := time.Now()
	cacheKey := fmt.Sprintf("ReconciliationSummary:%s:%s", fromDate.UTC().Format(time.RFC3339), toDate.UTC().Format(time.RFC3339))
	var cached []*ReconciliationSummary
	if ok, err := cacheGet(ctx, cacheKey, &cached); err == nil && ok {
		return cached, nil
	}

	recs, err := models.ListReconciliations(ctx, db, &fromDate, &toDate)
	if err != nil {
		return nil, err
	}
	results := SummarizeReconciliations(recs)

	_ = cacheSet(ctx, cacheKey, results)
	logSlowReport(ctx, "ReconciliationSummary", started, map[string]any{"rows": len(recs)})
	return results, nil
}

// SummarizeReconciliations groups by calendar day (UTC) and branch, ordered by day then branch.
func SummarizeReconciliations(recs []*models.Reconciliation) []*ReconciliationSummary {
	groups := make(map[string]*ReconciliationSummary)
	for _, r := range recs {
		date := r.ReconciliationDate.UTC().Format("2006-01-02")
		branch := -1
		if r.BranchId != nil {
			branch = *r.BranchId
		}
		key := fmt.Sprintf("%s|%d", date, branch)
		s, ok := groups[key]
		if !ok {
			s = &ReconciliationSummary{Date: date, BranchId: r.BranchId}
			groups[key] = s
		}
		s.Count++
		s.SystemSales = s.SystemSales.Add(r.SystemSales)
		s.TotalCash = s.TotalCash.Add(r.TotalCash)
		s.TotalBank = s.TotalBank.Add(r.TotalBank)
		s.TotalReceipts = s.TotalReceipts.Add(r.TotalReceipts)
		s.SurplusDeficit = s.SurplusDeficit.Add(r.SurplusDeficit)
		if r.Status == models.ReconciliationStatusCompleted {
			s.Completed++
		}
	}

	results := make([]*ReconciliationSummary, 0, len(groups))
	for _, s := range groups {
		results = append(results, s)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Date != results[j].Date {
			return results[i].Date < results[j].Date
		}
		return branchOrder(results[i].BranchId) < branchOrder(results[j].BranchId)
	})
	return results
}

func branchOrder(id *int) int {
	if id == nil {
		return -1
	}
	return *id
}
