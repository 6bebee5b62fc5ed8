package export

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"minifarm-monitor/internal/actuation"
	"minifarm-monitor/internal/monitor"
)

const (
	liveSheet       = "Live"
	historySheet    = "History"
	statsSheet      = "Stats"
	actuationsSheet = "Actuations"
)

// SensorSeries is the history buffer of one sensor.
type SensorSeries struct {
	Remote    string
	Canonical string
	Values    []float64
	Stats     monitor.Stats
}

// Report is everything exported for one device.
type Report struct {
	DeviceID    string
	GeneratedAt time.Time
	Live        monitor.Snapshot
	Sensors     []SensorSeries
	Actuations  []actuation.Result
	Alert       *monitor.Alert
}

// BuildXLSX renders the report as a workbook with live, history, stats and
// actuation sheets.
func BuildXLSX(report Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", liveSheet); err != nil {
		return nil, err
	}
	for _, name := range []string{historySheet, statsSheet, actuationsSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	_ = f.SetCellValue(liveSheet, "A1", "Device")
	_ = f.SetCellValue(liveSheet, "B1", report.DeviceID)
	_ = f.SetCellValue(liveSheet, "A2", "Generated")
	_ = f.SetCellValue(liveSheet, "B2", report.GeneratedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(liveSheet, "A4", "Resource")
	_ = f.SetCellValue(liveSheet, "B4", "Kind")
	_ = f.SetCellValue(liveSheet, "C4", "Value")
	row := 5
	for _, remote := range sortedKeys(report.Live.Sensors) {
		setRow(f, liveSheet, row, remote, "sensor", report.Live.Sensors[remote])
		row++
	}
	for _, remote := range sortedKeys(report.Live.SensorText) {
		setRow(f, liveSheet, row, remote, "sensor", report.Live.SensorText[remote])
		row++
	}
	for _, remote := range sortedKeys(report.Live.Actuators) {
		setRow(f, liveSheet, row, remote, "actuator", report.Live.Actuators[remote])
		row++
	}
	for _, remote := range sortedKeys(report.Live.Inference) {
		result := report.Live.Inference[remote]
		setRow(f, liveSheet, row, remote, "inference", fmt.Sprint(result.Labels))
		row++
	}
	if report.Alert != nil {
		_ = f.SetCellValue(liveSheet, cell("A", row+1), "Alert")
		_ = f.SetCellValue(liveSheet, cell("B", row+1), report.Alert.Species)
	}

	_ = f.SetCellValue(statsSheet, "A1", "Resource")
	_ = f.SetCellValue(statsSheet, "B1", "Mean")
	_ = f.SetCellValue(statsSheet, "C1", "Min")
	_ = f.SetCellValue(statsSheet, "D1", "Max")
	_ = f.SetCellValue(statsSheet, "E1", "Points")
	for i, series := range report.Sensors {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(historySheet, col+"1", series.Remote)
		for j, value := range series.Values {
			_ = f.SetCellValue(historySheet, cell(col, j+2), value)
		}

		r := i + 2
		_ = f.SetCellValue(statsSheet, cell("A", r), series.Remote)
		if series.Stats.Defined {
			_ = f.SetCellValue(statsSheet, cell("B", r), series.Stats.Mean)
			_ = f.SetCellValue(statsSheet, cell("C", r), series.Stats.Min)
			_ = f.SetCellValue(statsSheet, cell("D", r), series.Stats.Max)
		}
		_ = f.SetCellValue(statsSheet, cell("E", r), len(series.Values))
	}

	for i, header := range []string{"Issued", "Resource", "Value", "Mode", "Status", "Total (ms)"} {
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetCellValue(actuationsSheet, col+"1", header)
	}
	for i, res := range report.Actuations {
		r := i + 2
		_ = f.SetCellValue(actuationsSheet, cell("A", r), res.IssuedAt.UTC().Format(time.RFC3339))
		_ = f.SetCellValue(actuationsSheet, cell("B", r), res.Remote)
		_ = f.SetCellValue(actuationsSheet, cell("C", r), res.Value)
		_ = f.SetCellValue(actuationsSheet, cell("D", r), res.Mode)
		_ = f.SetCellValue(actuationsSheet, cell("E", r), res.Status)
		if !res.Pending() {
			_ = f.SetCellValue(actuationsSheet, cell("F", r), res.Total.Milliseconds())
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildPDF renders a one-page summary of the report.
func BuildPDF(report Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Device Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", report.DeviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	if report.Alert != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Alert: unhealthy %s since %s", report.Alert.Species, report.Alert.DetectedAt.UTC().Format(time.RFC3339)))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	for _, header := range []string{"Sensor", "Latest", "Mean", "Min", "Max"} {
		pdf.CellFormat(36, 6, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, series := range report.Sensors {
		latest := "-"
		if value, ok := report.Live.Sensors[series.Remote]; ok {
			latest = fmt.Sprintf("%.2f", value)
		}
		pdf.CellFormat(36, 6, series.Remote, "1", 0, "L", false, 0, "")
		pdf.CellFormat(36, 6, latest, "1", 0, "R", false, 0, "")
		pdf.CellFormat(36, 6, statCell(series.Stats.Defined, series.Stats.Mean), "1", 0, "R", false, 0, "")
		pdf.CellFormat(36, 6, statCell(series.Stats.Defined, series.Stats.Min), "1", 0, "R", false, 0, "")
		pdf.CellFormat(36, 6, statCell(series.Stats.Defined, series.Stats.Max), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	if len(report.Live.Actuators) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(60, 6, "Actuator", "1", 0, "C", false, 0, "")
		pdf.CellFormat(60, 6, "State", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, remote := range sortedKeys(report.Live.Actuators) {
			pdf.CellFormat(60, 6, remote, "1", 0, "L", false, 0, "")
			pdf.CellFormat(60, 6, report.Live.Actuators[remote], "1", 0, "L", false, 0, "")
			pdf.Ln(-1)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, sheet string, row int, remote, kind string, value any) {
	_ = f.SetCellValue(sheet, cell("A", row), remote)
	_ = f.SetCellValue(sheet, cell("B", row), kind)
	_ = f.SetCellValue(sheet, cell("C", row), value)
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}

func statCell(defined bool, value float64) string {
	if !defined {
		return "-"
	}
	return fmt.Sprintf("%.2f", value)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
