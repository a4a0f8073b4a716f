// invoice-renderer writes one plain-text invoice file per order in the
// batch. The output directory comes from GAFFER_INVOICE_DIR (default
// ./invoices). Build it in place so the manifest entrypoint resolves:
//
//	go build -o workers/invoice-renderer/invoice-renderer ./workers/invoice-renderer
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmarsh/gaffer/internal/batch"
	"github.com/dmarsh/gaffer/internal/worker"
)

const defaultInvoiceDir = "invoices"

func main() {
	dir := os.Getenv("GAFFER_INVOICE_DIR")
	if dir == "" {
		dir = defaultInvoiceDir
	}
	worker.Main(renderInvoices(dir))
}

// renderInvoices fails the whole batch on the first unwritable invoice;
// the reply is all-or-nothing.
func renderInvoices(dir string) worker.Transform {
	return func(items batch.WorkBatch) ([]batch.ResultRecord, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create invoice dir: %w", err)
		}

		now := time.Now().UTC()
		records := make([]batch.ResultRecord, 0, len(items))
		for _, item := range items {
			path := filepath.Join(dir, fmt.Sprintf("invoice-%d.txt", item.OrderID))
			if err := os.WriteFile(path, []byte(renderInvoice(item, now)), 0o644); err != nil {
				return nil, fmt.Errorf("write invoice for order %d: %w", item.OrderID, err)
			}
			records = append(records, batch.ResultRecord{
				OrderID:   item.OrderID,
				Status:    batch.StatusProcessed,
				Timestamp: now,
			})
		}
		return records, nil
	}
}

func renderInvoice(item batch.WorkItem, now time.Time) string {
	return fmt.Sprintf(
		"INVOICE %d\nDate:     %s\nCustomer: %s\nAmount:   %.2f\n",
		item.OrderID,
		now.Format("2006-01-02"),
		item.Customer,
		item.Amount,
	)
}
