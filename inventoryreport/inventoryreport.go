// Package inventoryreport exports slot inventories as a spreadsheet, one row
// per slot.
package inventoryreport

import (
	"fmt"
	"io"
	"time"

	"pillmate/slots"

	"github.com/xuri/excelize/v2"
)

const SheetName = "Inventory"

var headers = []string{"Device PIN", "Slot", "Medication", "Pills", "Capacity", "Low At", "Status", "Last Refilled"}

var columnWidths = []float64{12, 6, 28, 8, 10, 8, 10, 22}

// Device is one device's inventory.
type Device struct {
	PIN   string
	Slots slots.Inventory
}

// Write renders devices as an xlsx workbook to w.
func Write(w io.Writer, devices []Device) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return fmt.Errorf("while creating sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("while removing default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("while creating header style: %w", err)
	}

	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(SheetName, cell, header); err != nil {
			return fmt.Errorf("while setting header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(SheetName, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("while styling header cell %s: %w", cell, err)
		}
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(SheetName, col, col, columnWidths[i]); err != nil {
			return fmt.Errorf("while setting width of column %s: %w", col, err)
		}
	}

	row := 2
	for _, d := range devices {
		for _, s := range d.Slots {
			values := []interface{}{d.PIN, s.SlotNumber, s.MedicationName, s.PillCount, s.MaxCapacity, s.LowThreshold, string(slots.StatusOf(s)), ""}
			if s.LastRefilled != nil {
				values[7] = s.LastRefilled.UTC().Format(time.RFC3339)
			}
			for i, v := range values {
				cell, err := excelize.CoordinatesToCellName(i+1, row)
				if err != nil {
					return err
				}
				if err := f.SetCellValue(SheetName, cell, v); err != nil {
					return fmt.Errorf("while setting cell %s: %w", cell, err)
				}
			}
			row++
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("while freezing header row: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("while writing workbook: %w", err)
	}
	return nil
}
