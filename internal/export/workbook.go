package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const realmsSheet = "Realms"

var (
	realmsHeader = []interface{}{"Connected Realm", "Realm ID", "Name", "Slug", "Timezone"}
	itemsHeader  = []interface{}{"Item", "Kind", "Item ID", "Records", "First Seen", "Last Seen", "Market Value"}
)

// WriteWorkbook writes an XLSX summary of r: one sheet listing the realms
// and one sheet per shard with the latest market value of every item.
func WriteWorkbook(w io.Writer, r *Region) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), realmsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(realmsSheet, "A1", &realmsHeader); err != nil {
		return err
	}
	row := 2
	for _, cr := range r.sortedRealms() {
		for _, realm := range cr.Realms {
			values := []interface{}{cr.ID, realm.ID, realm.Name, realm.Slug, realm.Timezone}
			if err := setRow(f, realmsSheet, row, values); err != nil {
				return err
			}
			row++
		}
	}

	for _, shard := range r.sortedShards() {
		if _, err := f.NewSheet(shard.Name); err != nil {
			return fmt.Errorf("add sheet %s: %w", shard.Name, err)
		}
		if err := f.SetSheetRow(shard.Name, "A1", &itemsHeader); err != nil {
			return err
		}
		h := shard.History
		for i, item := range h.Items() {
			recs := h.Records(item)
			first, last := recs[0], recs[len(recs)-1]
			values := []interface{}{
				item.String(),
				item.Kind().String(),
				item.ID(),
				len(recs),
				formatTime(first.Timestamp),
				formatTime(last.Timestamp),
				last.MarketValue,
			}
			if err := setRow(f, shard.Name, i+2, values); err != nil {
				return err
			}
		}
		if err := f.SetColWidth(shard.Name, "A", "A", 28); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func formatTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
