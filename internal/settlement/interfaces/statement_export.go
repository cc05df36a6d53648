package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	settlement "tradedesk/internal/settlement/domain"
)

// BuildBatchStatementPDF renders a statement for a settlement batch.
func BuildBatchStatementPDF(batch *settlement.Batch, members []settlement.Receivable) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Gateway Settlement Statement")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	for _, line := range []string{
		fmt.Sprintf("Batch: %s", batch.ID),
		fmt.Sprintf("Gateway: %s", batch.Gateway),
		fmt.Sprintf("Bank Account: %s", batch.BankAccountID),
		fmt.Sprintf("Settled By: %s", batch.CreatedBy),
		fmt.Sprintf("Settled At: %s", batch.CreatedAt.Format(time.RFC3339)),
	} {
		pdf.Cell(0, 6, line)
		pdf.Ln(5)
	}

	pdf.Ln(4)
	pdf.Cell(0, 6, fmt.Sprintf("Gross (%s): %s", batch.Currency, batch.GrossAmount.StringFixed(2)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Fee Deduction: %s", batch.FeeDeduction.StringFixed(2)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Net Credit: %s", batch.NetAmount.StringFixed(2)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(70, 6, "Receivable", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Reference", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Received", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Amount", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, item := range members {
		pdf.CellFormat(70, 6, item.ID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 6, item.Reference, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, item.CreatedAt.Format("2006-01-02"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, item.Amount.StringFixed(2), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildBatchStatementXLSX renders a workbook with a summary and a members sheet.
func BuildBatchStatementXLSX(batch *settlement.Batch, members []settlement.Receivable) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	membersSheet := "receivables"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(membersSheet); err != nil {
		return nil, err
	}

	summary := [][2]any{
		{"Batch", batch.ID},
		{"Gateway", batch.Gateway},
		{"Bank Account", batch.BankAccountID},
		{"Currency", batch.Currency},
		{"Gross", batch.GrossAmount.InexactFloat64()},
		{"Fee Deduction", batch.FeeDeduction.InexactFloat64()},
		{"Net Credit", batch.NetAmount.InexactFloat64()},
		{"Settled By", batch.CreatedBy},
		{"Settled At", batch.CreatedAt.Format(time.RFC3339)},
	}
	_ = f.SetCellValue(summarySheet, "A1", "Gateway Settlement Statement")
	for i, row := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+3), row[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+3), row[1])
	}

	_ = f.SetCellValue(membersSheet, "A1", "Receivable")
	_ = f.SetCellValue(membersSheet, "B1", "Reference")
	_ = f.SetCellValue(membersSheet, "C1", "Received")
	_ = f.SetCellValue(membersSheet, "D1", "Amount")
	for i, item := range members {
		row := i + 2
		_ = f.SetCellValue(membersSheet, fmt.Sprintf("A%d", row), item.ID)
		_ = f.SetCellValue(membersSheet, fmt.Sprintf("B%d", row), item.Reference)
		_ = f.SetCellValue(membersSheet, fmt.Sprintf("C%d", row), item.CreatedAt.Format("2006-01-02"))
		_ = f.SetCellValue(membersSheet, fmt.Sprintf("D%d", row), item.Amount.InexactFloat64())
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
