package grids

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/xuri/excelize/v2"

	"sortgrid/internal/grid"
	"sortgrid/internal/response"
)

var exportHeaders = []string{"ID", "Name", "City", "Sort Order"}

// Export writes a stage of the grid as CSV (default) or xlsx, in default order.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["grid"]
	stage := r.URL.Query().Get("stage")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		writeError(w, &grid.ValidationError{Field: "format", Message: "must be csv or xlsx"})
		return
	}

	records, _, err := h.Service.List(r.Context(), actorFromRequest(r), name, stage, 1, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	data := make([][]string, 0, len(records))
	for _, rec := range records {
		data = append(data, []string{
			strconv.FormatInt(rec.ID, 10),
			rec.Name,
			rec.City,
			strconv.Itoa(rec.SortOrder),
		})
	}

	if stage == "" {
		stage = grid.StageDraft
	}
	h.Log.WithField("grid", name).WithField("format", format).WithField("rows", len(data)).Info("grid exported")
	filename := fmt.Sprintf("%s-%s", name, stage)
	if format == "xlsx" {
		ExportExcel(w, filename, exportHeaders, data)
		return
	}
	ExportCSV(w, filename+".csv", exportHeaders, data)
}

// ExportCSV writes data to CSV format.
func ExportCSV(w http.ResponseWriter, filename string, headers []string, data [][]string) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return
	}
	_ = cw.WriteAll(data)
}

// ExportExcel writes data as a single-sheet workbook named after sheet.
func ExportExcel(w http.ResponseWriter, sheet string, headers []string, data [][]string) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "Failed to create Excel sheet", err)
		return
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D3D3D3"}, Pattern: 1},
	})
	if err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "Failed to create header style", err)
		return
	}

	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
		_ = f.SetCellStyle(sheet, cell, cell, headerStyle)
	}
	for rowIdx, row := range data {
		for colIdx, value := range row {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			_ = f.SetCellValue(sheet, cell, value)
		}
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.SetColWidth(sheet, "A", lastCol, 18)

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.xlsx", sheet))
	if err := f.Write(w); err != nil {
		response.Err(w, http.StatusInternalServerError, response.CodeInternal, "Failed to write Excel file", err)
	}
}
