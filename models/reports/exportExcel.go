package reports

import (
	"fmt"
	"io"

	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const reconciliationSheet = "Reconciliations"

var reconciliationHeadings = []string{
	"ID", "Date", "CashierId", "AccountantId", "SystemSales", "TotalCash", "TotalBank",
	"TotalReceipts", "SurplusDeficit", "Status", "OriginNode",
}

type ExcelExporter interface {
	GetCellValues() []interface{}
}

type reconciliationRow struct {
	*models.Reconciliation
}

func (r reconciliationRow) GetCellValues() []interface{} {
	return []interface{}{
		r.ID,
		r.ReconciliationDate.Format("2006-01-02"),
		r.CashierId,
		r.AccountantId,
		decimalCell(r.SystemSales),
		decimalCell(r.TotalCash),
		decimalCell(r.TotalBank),
		decimalCell(r.TotalReceipts),
		decimalCell(r.SurplusDeficit),
		string(r.Status),
		r.OriginNode,
	}
}

func decimalCell(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

// ReconciliationWorkbook builds one sheet with a heading row and one row per reconciliation,
// followed by a totals row.
func ReconciliationWorkbook(recs []*models.Reconciliation) (*excelize.File, error) {
	rows := make([]ExcelExporter, 0, len(recs))
	totalSales, totalReceipts, totalDiff := decimal.Zero, decimal.Zero, decimal.Zero
	for _, r := range recs {
		rows = append(rows, reconciliationRow{r})
		totalSales = totalSales.Add(r.SystemSales)
		totalReceipts = totalReceipts.Add(r.TotalReceipts)
		totalDiff = totalDiff.Add(r.SurplusDeficit)
	}

	f, err := buildSheet(reconciliationSheet, rows, reconciliationHeadings...)
	if err != nil {
		return nil, err
	}

	totalRow := len(rows) + 2
	cells := map[string]interface{}{
		"A": "Total",
		"E": decimalCell(totalSales),
		"H": decimalCell(totalReceipts),
		"I": decimalCell(totalDiff),
	}
	for col, v := range cells {
		if err := f.SetCellValue(reconciliationSheet, col+fmt.Sprint(totalRow), v); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func WriteReconciliations(w io.Writer, recs []*models.Reconciliation) error {
	f, err := ReconciliationWorkbook(recs)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func buildSheet(sheetName string, data []ExcelExporter, headings ...string) (*excelize.File, error) {
	f := excelize.NewFile()
	idx, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}

	// Add headers
	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, err
		}
	}

	// Add data
	rowNo := 2
	for _, d := range data {
		for i, value := range d.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return nil, err
			}
		}
		rowNo++
	}
	return f, nil
}
